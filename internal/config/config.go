package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/seantiz/qgate/internal/estimate"
	"github.com/seantiz/qgate/internal/provider"
)

// Backend selectors.
const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"

	QuotaSQLite   = "sqlite"
	QuotaPostgres = "postgres"

	TracingNone     = "none"
	TracingStdout   = "stdout"
	TracingOTLPHTTP = "otlphttp"
)

// defaultRemoteTimeout bounds a single remote provider call when none is
// configured.
const defaultRemoteTimeout = 30 * time.Second

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds application configuration loaded from QGATE_* environment
// variables, an optional .env file and an optional YAML pricing file.
type Config struct {
	ListenAddr   string `env:"QGATE_LISTEN_ADDR,default=:8080"`
	DBPath       string `env:"QGATE_DB_PATH,default=qgate.db"`
	LogLevelName string `env:"QGATE_LOG_LEVEL,default=info"`
	LogFormat    string `env:"QGATE_LOG_FORMAT,default=json"`
	Environment  string `env:"QGATE_ENV,default=development"`
	PricingFile  string `env:"QGATE_PRICING_FILE"`

	MaxPayloadBytes       int     `env:"QGATE_MAX_PAYLOAD_BYTES,default=65536"`
	DefaultProvider       string  `env:"QGATE_DEFAULT_PROVIDER,default=sim"`
	AllowProviderOverride bool    `env:"QGATE_ALLOW_PROVIDER_OVERRIDE,default=true"`
	EnableRealExecution   bool    `env:"QGATE_ENABLE_REAL_EXECUTION,default=false"`
	MaxShots              int     `env:"QGATE_MAX_SHOTS,default=1024"`
	DefaultShots          int     `env:"QGATE_DEFAULT_SHOTS,default=256"`
	SimCostPer1000        float64 `env:"QGATE_COST_PER_1000_SHOTS_SIM,default=0"`
	DWaveCostPer1000      float64 `env:"QGATE_COST_PER_1000_SHOTS_DWAVE,default=0.5"`
	MaxCostPerJob         float64 `env:"QGATE_MAX_ESTIMATED_COST_PER_JOB,default=5"`

	RateLimitRequests int           `env:"QGATE_RATE_LIMIT_REQUESTS,default=60"`
	RateLimitWindow   time.Duration `env:"QGATE_RATE_LIMIT_WINDOW,default=60s"`
	RateLimitBackend  string        `env:"QGATE_RATE_LIMIT_BACKEND,default=memory"`
	RedisAddr         string        `env:"QGATE_REDIS_ADDR,default=localhost:6379"`
	RedisPassword     string        `env:"QGATE_REDIS_PASSWORD"`

	MaxActiveJobs  int     `env:"QGATE_MAX_ACTIVE_JOBS,default=5"`
	DailyJobLimit  int     `env:"QGATE_DAILY_JOB_LIMIT,default=20"`
	DailyCostLimit float64 `env:"QGATE_DAILY_COST_LIMIT,default=10"`
	QuotaBackend   string  `env:"QGATE_QUOTA_BACKEND,default=sqlite"`
	PostgresDSN    string  `env:"QGATE_POSTGRES_DSN"`

	StartingCredits float64 `env:"QGATE_STARTING_CREDITS,default=5"`
	CreditsPerJob   float64 `env:"QGATE_CREDITS_PER_JOB,default=1"`

	ExecTimeout   time.Duration `env:"QGATE_EXEC_TIMEOUT,default=5s"`
	MaxRetries    int           `env:"QGATE_MAX_RETRIES,default=2"`
	RetryDelay    time.Duration `env:"QGATE_RETRY_DELAY,default=1s"`
	Workers       int           `env:"QGATE_WORKERS,default=4"`
	QueueSize     int           `env:"QGATE_QUEUE_SIZE,default=256"`
	SimDelay      time.Duration `env:"QGATE_SIM_DELAY,default=200ms"`
	SweepSchedule string        `env:"QGATE_SWEEP_SCHEDULE,default=@every 1m"`
	StuckAfter    time.Duration `env:"QGATE_STUCK_AFTER,default=2m"`

	JWTSecret    string        `env:"QGATE_JWT_SECRET"`
	TokenTTL     time.Duration `env:"QGATE_TOKEN_TTL,default=168h"`
	AuthDisabled bool          `env:"QGATE_AUTH_DISABLED,default=false"`

	HTTPRatePerSecond float64 `env:"QGATE_HTTP_RATE,default=20"`
	HTTPBurst         int     `env:"QGATE_HTTP_BURST,default=40"`

	TracingExporter string `env:"QGATE_TRACING_EXPORTER,default=none"`
	TracingEndpoint string `env:"QGATE_TRACING_ENDPOINT"`

	DWaveEndpoint string `env:"QGATE_DWAVE_ENDPOINT"`
	DWaveToken    string `env:"QGATE_DWAVE_TOKEN"`

	LogLevel  slog.Level
	UnitCosts map[string]float64
	Remotes   []provider.RemoteConfig
}

// Load reads configuration from a .env file (if present) and the
// environment, then merges the pricing file when QGATE_PRICING_FILE is set.
// It does not validate; callers that are about to serve must call Validate.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg.LogLevel = ParseLogLevel(cfg.LogLevelName)
	cfg.DefaultProvider = strings.ToLower(strings.TrimSpace(cfg.DefaultProvider))
	cfg.UnitCosts = map[string]float64{
		provider.SimName: cfg.SimCostPer1000,
		"dwave":          cfg.DWaveCostPer1000,
	}
	if cfg.DWaveEndpoint != "" || cfg.DWaveToken != "" {
		cfg.Remotes = append(cfg.Remotes, provider.RemoteConfig{
			Name:     "dwave",
			Endpoint: cfg.DWaveEndpoint,
			Token:    cfg.DWaveToken,
			Timeout:  defaultRemoteTimeout,
		})
	}

	if cfg.PricingFile != "" {
		pf, err := LoadPricingFile(cfg.PricingFile)
		if err != nil {
			return Config{}, err
		}
		pf.apply(&cfg)
	}
	return cfg, nil
}

// MaxRunDuration bounds how long one job can stay running. The overall
// timeout is only checked between attempts, so a run can overshoot it by
// one retry delay or one provider call, whichever is longer.
func (c Config) MaxRunDuration() time.Duration {
	call := c.SimDelay
	if c.EnableRealExecution {
		for _, r := range c.Remotes {
			call = max(call, r.Timeout)
		}
	}
	return c.ExecTimeout + max(c.RetryDelay, call)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(bad bool, format string, args ...any) {
		if bad {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ListenAddr == "", "listen address is required")
	check(c.DBPath == "", "database path is required")
	check(c.LogFormat != "json" && c.LogFormat != "text", "log format %q must be json or text", c.LogFormat)
	check(c.MaxPayloadBytes <= 0, "max payload bytes must be positive")
	check(c.MaxShots < 1, "max shots must be at least 1")
	check(c.DefaultShots < 1, "default shots must be at least 1")
	check(c.MaxCostPerJob < 0, "max estimated cost per job must not be negative")
	check(c.RateLimitRequests < 1, "rate limit requests must be at least 1")
	check(c.RateLimitWindow <= 0, "rate limit window must be positive")
	check(c.MaxActiveJobs < 1, "max active jobs must be at least 1")
	check(c.DailyJobLimit < 0, "daily job limit must not be negative")
	check(c.DailyCostLimit < 0, "daily cost limit must not be negative")
	check(c.StartingCredits < 0, "starting credits must not be negative")
	check(c.CreditsPerJob < 0, "credits per job must not be negative")
	check(c.ExecTimeout <= 0, "execution timeout must be positive")
	check(c.MaxRetries < 0, "max retries must not be negative")
	check(c.RetryDelay < 0, "retry delay must not be negative")
	check(c.Workers < 1, "workers must be at least 1")
	check(c.QueueSize < 1, "queue size must be at least 1")
	check(c.StuckAfter <= c.MaxRunDuration(), "stuck-after (%s) must exceed the longest possible run (%s)", c.StuckAfter, c.MaxRunDuration())
	check(c.HTTPRatePerSecond <= 0, "http rate must be positive")
	check(c.HTTPBurst < 1, "http burst must be at least 1")

	for name, cost := range c.UnitCosts {
		check(cost < 0, "unit cost for %q must not be negative", name)
	}
	_, priced := c.UnitCosts[c.DefaultProvider]
	check(!priced, "default provider %q has no unit cost", c.DefaultProvider)

	if c.EnableRealExecution {
		for _, r := range c.Remotes {
			check(r.Endpoint == "", "provider %q: endpoint is required when real execution is enabled", r.Name)
			check(r.Token == "", "provider %q: token is required when real execution is enabled", r.Name)
			check(r.Timeout <= 0, "provider %q: timeout must be positive", r.Name)
		}
	}

	check(!c.AuthDisabled && c.JWTSecret == "", "jwt secret is required unless auth is disabled")
	check(c.AuthDisabled && c.Environment == "production", "auth cannot be disabled in production")

	switch c.RateLimitBackend {
	case RateLimitMemory:
	case RateLimitRedis:
		check(c.RedisAddr == "", "redis address is required for the redis rate limiter")
	default:
		errs = append(errs, fmt.Errorf("rate limit backend %q must be memory or redis", c.RateLimitBackend))
	}

	switch c.QuotaBackend {
	case QuotaSQLite:
	case QuotaPostgres:
		check(c.PostgresDSN == "", "postgres dsn is required for the postgres quota backend")
	default:
		errs = append(errs, fmt.Errorf("quota backend %q must be sqlite or postgres", c.QuotaBackend))
	}

	switch c.TracingExporter {
	case TracingNone, TracingStdout:
	case TracingOTLPHTTP:
		check(c.TracingEndpoint == "", "tracing endpoint is required for the otlphttp exporter")
	default:
		errs = append(errs, fmt.Errorf("tracing exporter %q must be none, stdout or otlphttp", c.TracingExporter))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Pricing returns the cost table used by the estimator.
func (c Config) Pricing() estimate.Pricing {
	return estimate.Pricing{
		DefaultProvider: c.DefaultProvider,
		AllowOverride:   c.AllowProviderOverride,
		MaxShots:        c.MaxShots,
		DefaultShots:    c.DefaultShots,
		UnitCost:        c.UnitCosts,
		MaxCostPerJob:   c.MaxCostPerJob,
	}
}

// RoutingPolicy returns the provider routing policy.
func (c Config) RoutingPolicy() provider.Policy {
	return provider.Policy{
		DefaultProvider:     c.DefaultProvider,
		AllowOverride:       c.AllowProviderOverride,
		EnableRealExecution: c.EnableRealExecution,
	}
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the configured level.
// format selects the handler: "text" for human-readable output, anything
// else for JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
