package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for clinicbot.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Store    StoreConfig    `json:"store"`
	Telegram TelegramConfig `json:"telegram"`
	Queue    QueueConfig    `json:"queue"`
	API      APIConfig      `json:"api"`
	Locale   LocaleConfig   `json:"locale"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel        string `json:"logLevel"`
	LogFile         string `json:"logFile,omitempty"`
	DefaultLanguage string `json:"defaultLanguage"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// TelegramConfig applies to every bot session the manager runs. Tokens
// themselves live on the tenant records.
type TelegramConfig struct {
	APIEndpoint           string  `json:"apiEndpoint,omitempty"` // default: tgbotapi.APIEndpoint
	PollTimeoutSeconds    int     `json:"pollTimeoutSeconds"`
	ConnectTimeoutSeconds int     `json:"connectTimeoutSeconds"`
	SendRatePerSecond     float64 `json:"sendRatePerSecond"`
	SendBurst             int     `json:"sendBurst"`
	BootstrapOnStart      bool    `json:"bootstrapOnStart"`
}

// QueueConfig sizes the fire-and-forget notification pool.
type QueueConfig struct {
	Workers int `json:"workers"`
	Buffer  int `json:"buffer"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"`
}

// LocaleConfig points at an optional YAML file overriding bot replies.
type LocaleConfig struct {
	Path string `json:"path,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DefaultConfigDir returns the default config directory (~/.clinicbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clinicbot"
	}
	return filepath.Join(home, ".clinicbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Locale.Path = ExpandPath(cfg.Locale.Path)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.DefaultLanguage == "" {
		errs = append(errs, "general.defaultLanguage is required")
	}
	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	if cfg.Telegram.PollTimeoutSeconds < 1 || cfg.Telegram.PollTimeoutSeconds > 120 {
		errs = append(errs, "telegram.pollTimeoutSeconds must be between 1 and 120")
	}
	if cfg.Telegram.ConnectTimeoutSeconds < 1 {
		errs = append(errs, "telegram.connectTimeoutSeconds must be >= 1")
	}
	if cfg.Telegram.SendRatePerSecond <= 0 {
		errs = append(errs, "telegram.sendRatePerSecond must be > 0")
	}
	if cfg.Telegram.SendBurst < 1 {
		errs = append(errs, "telegram.sendBurst must be >= 1")
	}

	if cfg.Queue.Workers < 1 || cfg.Queue.Workers > 64 {
		errs = append(errs, "queue.workers must be between 1 and 64")
	}
	if cfg.Queue.Buffer < 1 {
		errs = append(errs, "queue.buffer must be >= 1")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
