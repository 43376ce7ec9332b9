package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/seantiz/qgate/internal/admission"
	"github.com/seantiz/qgate/internal/api"
	"github.com/seantiz/qgate/internal/auth"
	"github.com/seantiz/qgate/internal/clock"
	"github.com/seantiz/qgate/internal/config"
	"github.com/seantiz/qgate/internal/engine"
	"github.com/seantiz/qgate/internal/ledger"
	"github.com/seantiz/qgate/internal/observability"
	"github.com/seantiz/qgate/internal/provider"
	"github.com/seantiz/qgate/internal/quota"
	pgquota "github.com/seantiz/qgate/internal/quota/postgres"
	"github.com/seantiz/qgate/internal/ratelimit"
	redislimit "github.com/seantiz/qgate/internal/ratelimit/redis"
	"github.com/seantiz/qgate/internal/store"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server and execution engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address; overrides QGATE_LISTEN_ADDR")
	return cmd
}

// app is the fully wired gateway.
type app struct {
	store   *store.SQLiteStore
	engine  *engine.Engine
	sweeper *engine.Sweeper
	server  *api.Server
	closers []func(context.Context) error
	logger  *slog.Logger
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("qgate: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"env", cfg.Environment,
		"real_execution", cfg.EnableRealExecution,
		"rate_limit_backend", cfg.RateLimitBackend,
		"quota_backend", cfg.QuotaBackend,
	)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	// Workers stop with ctx; a listen failure must stop them too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.engine.Start(ctx)
	if n, err := a.engine.Resume(ctx); err != nil {
		logger.Error("resume queued jobs", "error", err)
	} else if n > 0 {
		logger.Info("resumed queued jobs", "count", n)
	}
	if err := a.sweeper.Start(cfg.SweepSchedule); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	err = a.server.Run(ctx)
	cancel()
	a.sweeper.Stop()
	a.engine.Wait()
	return err
}

// buildApp opens every backend named by cfg and wires the components
// together. On error it releases whatever it had already opened.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingOptions{
		Exporter:    cfg.TracingExporter,
		Endpoint:    cfg.TracingEndpoint,
		Service:     "qgate",
		Environment: cfg.Environment,
	})
	if err != nil {
		return a, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return a, fmt.Errorf("open database: %w", err)
	}
	a.store = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	clk := clock.Real{}

	limiter, err := a.openLimiter(ctx, cfg, clk)
	if err != nil {
		return a, err
	}
	tracker, err := a.openQuota(ctx, cfg, db, clk)
	if err != nil {
		return a, err
	}

	reg := provider.NewRegistry(cfg.RoutingPolicy(), provider.NewSim(cfg.SimDelay))
	for _, rc := range cfg.Remotes {
		reg.Register(provider.NewRemote(rc))
	}
	if err := reg.Validate(); err != nil {
		return a, fmt.Errorf("providers: %w", err)
	}

	led := ledger.New(db, cfg.StartingCredits, clk)

	a.engine = engine.NewEngine(db, reg, engine.Config{
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		Timeout:    cfg.ExecTimeout,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, logger, engine.WithClock(clk), engine.WithRefunder(led))
	a.sweeper = engine.NewSweeper(a.engine, cfg.StuckAfter)

	ctrl := admission.New(admission.Deps{
		Jobs:       db,
		Registry:   reg,
		Pricing:    cfg.Pricing(),
		Limiter:    limiter,
		Quota:      tracker,
		Ledger:     led,
		Dispatcher: a.engine,
		Limits: admission.Limits{
			MaxPayloadBytes: cfg.MaxPayloadBytes,
			MaxActiveJobs:   cfg.MaxActiveJobs,
			CreditsPerJob:   cfg.CreditsPerJob,
		},
		Clock:  clk,
		Logger: logger,
	})

	a.server = api.NewServer(cfg.ListenAddr, api.Deps{
		Jobs:         db,
		Admission:    ctrl,
		Events:       a.engine.Broker(),
		Registry:     reg,
		Ledger:       led,
		Quota:        tracker,
		Resolver:     newResolver(cfg, clk, logger),
		MaxBodyBytes: int64(cfg.MaxPayloadBytes) + 4096,
		ClientRate:   rate.Limit(cfg.HTTPRatePerSecond),
		ClientBurst:  cfg.HTTPBurst,
		Logger:       logger,
	})
	return a, nil
}

func (a *app) openLimiter(ctx context.Context, cfg config.Config, clk clock.Clock) (ratelimit.Limiter, error) {
	if cfg.RateLimitBackend != config.RateLimitRedis {
		return ratelimit.NewMemory(cfg.RateLimitRequests, cfg.RateLimitWindow, clk), nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	a.logger.Info("rate limiter using redis", "addr", cfg.RedisAddr)
	return redislimit.New(client, cfg.RateLimitRequests, cfg.RateLimitWindow, redislimit.WithClock(clk)), nil
}

func (a *app) openQuota(ctx context.Context, cfg config.Config, db *store.SQLiteStore, clk clock.Clock) (quota.Tracker, error) {
	limits := quota.Limits{DailyJobLimit: cfg.DailyJobLimit, DailyCostLimit: cfg.DailyCostLimit}
	if cfg.QuotaBackend != config.QuotaPostgres {
		return quota.NewStoreTracker(db, limits, clk), nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	t := pgquota.New(pool, limits, pgquota.WithClock(clk))
	if err := t.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("postgres quota schema: %w", err)
	}
	a.logger.Info("quota tracker using postgres")
	return t, nil
}

func newResolver(cfg config.Config, clk clock.Clock, logger *slog.Logger) auth.Resolver {
	if cfg.AuthDisabled {
		logger.Warn("authentication disabled: bearer tokens are taken as identities")
		return auth.OpaqueResolver{}
	}
	return auth.NewJWTResolver(cfg.JWTSecret, clk)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("shutdown", "error", err)
	}
}
