package config

import (
	"os"
	"path/filepath"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
	cfg.General.LogLevel = "DEBUG"
	if err := Validate(cfg); err != nil {
		t.Fatalf("log level should be case-insensitive: %v", err)
	}
}

func TestValidate_PollTimeoutBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.PollTimeoutSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for pollTimeoutSeconds=0")
	}
	cfg.Telegram.PollTimeoutSeconds = 121
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for pollTimeoutSeconds=121")
	}
	cfg.Telegram.PollTimeoutSeconds = 120
	if err := Validate(cfg); err != nil {
		t.Fatalf("pollTimeoutSeconds=120 should be valid: %v", err)
	}
}

func TestValidate_SendRate(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.SendRatePerSecond = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero send rate")
	}
}

func TestValidate_Queue(t *testing.T) {
	cfg := Defaults()
	cfg.Queue.Workers = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero workers")
	}

	cfg = Defaults()
	cfg.Queue.Buffer = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero buffer")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.API.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}
	cfg.API.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_MetricsPath(t *testing.T) {
	cfg := Defaults()
	cfg.Metrics.Path = "metrics"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for relative metrics path")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	original := Defaults()
	original.General.DefaultLanguage = "ru"
	original.API.APIKey = "secret-key-value"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.General.DefaultLanguage != "ru" {
		t.Fatalf("expected 'ru', got %q", loaded.General.DefaultLanguage)
	}
	if loaded.API.APIKey != "secret-key-value" {
		t.Fatalf("api key lost on round trip: %q", loaded.API.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"queue": {"workers": 0}}`), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"api": {"port": 9999}}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.API.Port)
	}
	if cfg.Telegram.PollTimeoutSeconds != 30 {
		t.Errorf("expected default poll timeout, got %d", cfg.Telegram.PollTimeoutSeconds)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_CLINICBOT_DB", "/tmp/test-clinicbot.db")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"store": {"dbPath": "${TEST_CLINICBOT_DB}"}, "api": {"apiKey": "${TEST_CLINICBOT_KEY:-dev-key}"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.DBPath != "/tmp/test-clinicbot.db" {
		t.Fatalf("expected db path from env, got %q", cfg.Store.DBPath)
	}
	if cfg.API.APIKey != "dev-key" {
		t.Fatalf("expected default api key, got %q", cfg.API.APIKey)
	}
}

// --- accessors ---

func TestGetByPath(t *testing.T) {
	cfg := Defaults()

	v, err := GetByPath(cfg, "api.port")
	if err != nil {
		t.Fatal(err)
	}
	if v.(float64) != 8085 {
		t.Errorf("expected 8085, got %v", v)
	}
	if _, err := GetByPath(cfg, "api.nope"); err == nil {
		t.Error("expected error for unknown key")
	}
	if _, err := GetByPath(cfg, "api.port.deeper"); err == nil {
		t.Error("expected error traversing into a number")
	}
}

func TestSetByPath(t *testing.T) {
	cfg := Defaults()

	if err := SetByPath(cfg, "telegram.bootstrapOnStart", "false"); err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.BootstrapOnStart {
		t.Error("expected bootstrapOnStart=false")
	}
	if err := SetByPath(cfg, "queue.workers", "8"); err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Queue.Workers)
	}
	if err := SetByPath(cfg, "api.apiKey", "k"); err != nil {
		t.Fatal(err)
	}
	if cfg.API.APIKey != "k" {
		t.Errorf("expected api key k, got %q", cfg.API.APIKey)
	}
}

func TestSetByPath_Errors(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "", "x"); err == nil {
		t.Error("expected error for empty path")
	}
	if err := SetByPath(cfg, "nope.value", "x"); err == nil {
		t.Error("expected error for unknown section")
	}
	if err := SetByPath(cfg, "queue.workers", "many"); err == nil {
		t.Error("expected error for wrong type")
	}
	if cfg.Queue.Workers != 4 {
		t.Errorf("failed set must not modify config, workers=%d", cfg.Queue.Workers)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.API.APIKey = "abcd1234efgh5678"

	s := Sanitize(cfg)
	if s.API.APIKey != "abcd****5678" {
		t.Errorf("expected masked key, got %q", s.API.APIKey)
	}
	if cfg.API.APIKey != "abcd1234efgh5678" {
		t.Error("Sanitize must not modify the original")
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("short"); got != "***" {
		t.Errorf("expected ***, got %q", got)
	}
	if got := MaskToken("123456:ABCDEFGHIJ"); got != "1234****GHIJ" {
		t.Errorf("unexpected mask %q", got)
	}
}

func TestListPaths(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, want := range []string{"general.logLevel", "telegram.sendBurst", "queue.workers", "api.port"} {
		if _, ok := paths[want]; !ok {
			t.Errorf("missing path %q", want)
		}
	}
}

// --- env expansion ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	if got := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`); got != `{"apiKey": "sk-abc123"}` {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	if got := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`); got != `{"port": "8080"}` {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	if got := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`); got != `{"port": "9090"}` {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	if got := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`); got != `"${TOTALLY_UNSET_VAR_XYZ}"` {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	if got := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`); got != `"fallback"` {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	if got := ExpandEnvVars(input); got != input {
		t.Fatalf("expected no change for bare $VAR, got %q", got)
	}
}
