package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"clinicbot/internal/api"
	"clinicbot/internal/botmanager"
	"clinicbot/internal/bus"
	"clinicbot/internal/config"
	"clinicbot/internal/linking"
	"clinicbot/internal/locale"
	"clinicbot/internal/metrics"
	"clinicbot/internal/store"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "clinicbot",
		Short: "clinicbot: Telegram bot manager for dental clinics",
		Long:  "clinicbot runs one Telegram bot session per token for any number of clinics, links patients and staff to their chats, and delivers notifications.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadDotEnv()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.clinicbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(identityCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads .env from the working directory so config files can
// reference secrets with ${VAR}. A missing file is fine.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("could not load .env", "err", err)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfigOrDefaults loads the config file, falling back to defaults when
// it does not exist.
func loadConfigOrDefaults() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg := config.Defaults()
		cfg.Store.DBPath = config.ExpandPath(cfg.Store.DBPath)
		return cfg, nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger builds the process logger from the general config section.
// The returned closer releases the log file, if any.
func setupLogger(gc config.GeneralConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(gc.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closer := func() {}
	if gc.LogFile != "" {
		path := config.ExpandPath(gc.LogFile)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func newDialer(tc config.TelegramConfig) botmanager.Dialer {
	// The HTTP client has to outlive a full long poll.
	timeout := time.Duration(tc.PollTimeoutSeconds+tc.ConnectTimeoutSeconds) * time.Second
	return botmanager.NewDialer(tc.APIEndpoint, timeout)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			cfg.Store.DBPath = config.ExpandPath(cfg.Store.DBPath)
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info("initialized", "config", cfgPath, "database", cfg.Store.DBPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot manager and its HTTP API",
		Long:  "Starts a bot session for every clinic with a configured token and serves the control API. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigOrDefaults()
	if err != nil {
		return err
	}
	l, closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = l

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	catalog, err := locale.Load(cfg.General.DefaultLanguage, config.ExpandPath(cfg.Locale.Path))
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(promReg)

	// Queued notifications drain after the signal, so workers get a context
	// that outlives it.
	queue := bus.New(cfg.Queue.Workers, cfg.Queue.Buffer, logger.With("component", "queue"), m)
	queue.Start(context.WithoutCancel(ctx))
	m.QueueDepth(queue.Len)

	registry := botmanager.NewRegistry(botmanager.RegistryConfig{
		Dial:        newDialer(cfg.Telegram),
		Store:       st,
		Logger:      logger,
		Metrics:     m,
		PollTimeout: cfg.Telegram.PollTimeoutSeconds,
		SendRate:    rate.Limit(cfg.Telegram.SendRatePerSecond),
		SendBurst:   cfg.Telegram.SendBurst,
	})
	notifier := botmanager.NewNotifier(registry, st, catalog, queue, logger, m)
	resolver := linking.NewResolver(st, logger.With("component", "linking"))
	registry.SetHandler(botmanager.NewRouter(registry, notifier, resolver, st, catalog, logger))

	if cfg.Telegram.BootstrapOnStart {
		if _, err := registry.Bootstrap(ctx); err != nil {
			logger.Warn("some bot sessions failed to start", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		apiCfg := api.Config{
			Host:   cfg.API.Host,
			Port:   cfg.API.Port,
			APIKey: cfg.API.APIKey,
			Logger: logger,
		}
		if cfg.Metrics.Enabled {
			apiCfg.MetricsPath = cfg.Metrics.Path
			apiCfg.Metrics = metrics.Handler(promReg)
		}
		srv := api.New(apiCfg, registry, notifier, st)
		g.Go(func() error { return srv.Run(gctx) })
	} else {
		logger.Info("API disabled")
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("clinicbot started. Press Ctrl+C to stop.", "version", version)
	runErr := g.Wait()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Drain queued notifications while sessions are still live.
	queue.Close()
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown timed out, forcing exit", "err", err)
		return err
	}
	logger.Info("shutdown complete")
	return runErr
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. telegram.sendRatePerSecond)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. queue.workers 8)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			value := args[1]
			if strings.Contains(strings.ToLower(args[0]), "key") {
				value = config.MaskToken(value)
			}
			logger.Info("config updated", "path", args[0], "value", value, "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
