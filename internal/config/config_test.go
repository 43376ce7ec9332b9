package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/qgate/internal/provider"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.DBPath != "qgate.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "qgate.db")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.MaxPayloadBytes != 65536 {
		t.Errorf("MaxPayloadBytes = %d, want 65536", cfg.MaxPayloadBytes)
	}
	if cfg.DefaultProvider != "sim" || !cfg.AllowProviderOverride || cfg.EnableRealExecution {
		t.Errorf("routing defaults = %q/%v/%v", cfg.DefaultProvider, cfg.AllowProviderOverride, cfg.EnableRealExecution)
	}
	if cfg.RateLimitRequests != 60 || cfg.RateLimitWindow != time.Minute {
		t.Errorf("rate limit = %d per %s, want 60 per 1m", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.ExecTimeout != 5*time.Second || cfg.MaxRetries != 2 || cfg.RetryDelay != time.Second {
		t.Errorf("execution defaults = %s/%d/%s", cfg.ExecTimeout, cfg.MaxRetries, cfg.RetryDelay)
	}
	if cfg.UnitCosts["sim"] != 0 || cfg.UnitCosts["dwave"] != 0.5 {
		t.Errorf("UnitCosts = %v", cfg.UnitCosts)
	}
	if cfg.SweepSchedule != "@every 1m" {
		t.Errorf("SweepSchedule = %q", cfg.SweepSchedule)
	}
	if len(cfg.Remotes) != 0 {
		t.Errorf("Remotes = %v, want none", cfg.Remotes)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QGATE_LISTEN_ADDR", ":9090")
	t.Setenv("QGATE_DB_PATH", "/tmp/test.db")
	t.Setenv("QGATE_LOG_LEVEL", "debug")
	t.Setenv("QGATE_DEFAULT_PROVIDER", " DWave ")
	t.Setenv("QGATE_ENABLE_REAL_EXECUTION", "true")
	t.Setenv("QGATE_EXEC_TIMEOUT", "2s")
	t.Setenv("QGATE_DWAVE_ENDPOINT", "https://solver.example")
	t.Setenv("QGATE_DWAVE_TOKEN", "tok")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.DefaultProvider != "dwave" {
		t.Errorf("DefaultProvider = %q, want dwave", cfg.DefaultProvider)
	}
	if !cfg.EnableRealExecution {
		t.Error("EnableRealExecution = false, want true")
	}
	if cfg.ExecTimeout != 2*time.Second {
		t.Errorf("ExecTimeout = %s, want 2s", cfg.ExecTimeout)
	}
	if len(cfg.Remotes) != 1 || cfg.Remotes[0].Token != "tok" {
		t.Errorf("Remotes = %+v", cfg.Remotes)
	}
}

func TestLoadPricingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	doc := `
default_provider: dwave
max_cost_per_job: 2.5
unit_costs:
  DWave: 0.75
  ionq: 1.25
providers:
  - name: dwave
    endpoint: https://solver.example
    token: ${TEST_SOLVER_TOKEN}
    timeout: 15s
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_SOLVER_TOKEN", "from-env")
	t.Setenv("QGATE_PRICING_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultProvider != "dwave" {
		t.Errorf("DefaultProvider = %q, want dwave", cfg.DefaultProvider)
	}
	if cfg.MaxCostPerJob != 2.5 {
		t.Errorf("MaxCostPerJob = %v, want 2.5", cfg.MaxCostPerJob)
	}
	if cfg.UnitCosts["dwave"] != 0.75 || cfg.UnitCosts["ionq"] != 1.25 {
		t.Errorf("UnitCosts = %v", cfg.UnitCosts)
	}
	if len(cfg.Remotes) != 1 {
		t.Fatalf("Remotes = %+v, want one", cfg.Remotes)
	}
	if cfg.Remotes[0].Token != "from-env" || cfg.Remotes[0].Timeout != 15*time.Second {
		t.Errorf("remote = %+v", cfg.Remotes[0])
	}
}

func TestLoadPricingFileMissing(t *testing.T) {
	t.Setenv("QGATE_PRICING_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("Load with missing pricing file succeeded, want error")
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("QGATE_JWT_SECRET", "test-secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate defaults: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.Workers = 0
	cfg.MaxShots = 0
	cfg.QuotaBackend = "mysql"
	cfg.JWTSecret = ""

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate error = %v, want ErrInvalid", err)
	}
	for _, want := range []string{"workers", "max shots", "quota backend", "jwt secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateRealExecutionNeedsCredentials(t *testing.T) {
	cfg := validConfig(t)
	cfg.EnableRealExecution = true
	cfg.Remotes = append(cfg.Remotes, provider.RemoteConfig{Name: "ionq", Endpoint: "https://ionq.example"})

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Fatalf("Validate error = %v, want missing token", err)
	}
}

func TestValidateStuckAfterCoversRetryDelay(t *testing.T) {
	cfg := validConfig(t)
	cfg.ExecTimeout = 5 * time.Second
	cfg.RetryDelay = 2 * time.Minute
	cfg.StuckAfter = 2 * time.Minute

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "stuck-after") {
		t.Fatalf("Validate error = %v, want stuck-after", err)
	}

	cfg.StuckAfter = 3 * time.Minute
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestMaxRunDuration(t *testing.T) {
	cfg := validConfig(t)
	cfg.ExecTimeout = 5 * time.Second
	cfg.RetryDelay = time.Second
	cfg.SimDelay = 200 * time.Millisecond
	cfg.Remotes = []provider.RemoteConfig{{Name: "dwave", Timeout: 30 * time.Second}}

	if got := cfg.MaxRunDuration(); got != 6*time.Second {
		t.Errorf("MaxRunDuration = %s, want 6s", got)
	}
	cfg.EnableRealExecution = true
	if got := cfg.MaxRunDuration(); got != 35*time.Second {
		t.Errorf("MaxRunDuration with real execution = %s, want 35s", got)
	}
}

func TestPricingFileProviderDefaultsTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	doc := `
providers:
  - name: ionq
    endpoint: https://ionq.example
    token: tok
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QGATE_PRICING_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Remotes) != 1 || cfg.Remotes[0].Timeout != defaultRemoteTimeout {
		t.Errorf("Remotes = %+v", cfg.Remotes)
	}
}

func TestValidateUnpricedDefaultProvider(t *testing.T) {
	cfg := validConfig(t)
	cfg.DefaultProvider = "ionq"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted an unpriced default provider")
	}
}

func TestValidateAuthDisabledInProduction(t *testing.T) {
	cfg := validConfig(t)
	cfg.AuthDisabled = true
	cfg.Environment = "production"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted disabled auth in production")
	}
}

func TestPricingAndPolicy(t *testing.T) {
	cfg := validConfig(t)
	p := cfg.Pricing()
	if p.DefaultShots != 256 || p.MaxShots != 1024 || p.MaxCostPerJob != 5 {
		t.Errorf("Pricing = %+v", p)
	}
	pol := cfg.RoutingPolicy()
	if pol.DefaultProvider != "sim" || pol.EnableRealExecution {
		t.Errorf("RoutingPolicy = %+v", pol)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := ParseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "json")
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelInfo, "text").Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestNewLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelWarn, "json").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %q", buf.String())
	}
}
