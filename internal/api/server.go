package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/seantiz/qgate/internal/admission"
	"github.com/seantiz/qgate/internal/auth"
	"github.com/seantiz/qgate/internal/engine"
	"github.com/seantiz/qgate/internal/ledger"
	"github.com/seantiz/qgate/internal/provider"
	"github.com/seantiz/qgate/internal/quota"
	"github.com/seantiz/qgate/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Deps are the services the HTTP layer delegates to.
type Deps struct {
	Jobs      store.JobStore
	Admission *admission.Controller
	Events    *engine.EventBroker
	Registry  *provider.Registry
	Ledger    *ledger.Ledger
	Quota     quota.Tracker
	Resolver  auth.Resolver
	// MaxBodyBytes bounds request bodies read by handlers. Payload size
	// itself is enforced by admission.
	MaxBodyBytes int64
	// ClientRate and ClientBurst throttle each client address before
	// authentication. A zero rate disables the throttle.
	ClientRate  rate.Limit
	ClientBurst int
	Logger      *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	jobs      store.JobStore
	admission *admission.Controller
	events    *engine.EventBroker
	registry  *provider.Registry
	ledger    *ledger.Ledger
	quota     quota.Tracker
	resolver  auth.Resolver
	maxBody   int64
	logger    *slog.Logger
	addr      string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, d Deps) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		jobs:      d.Jobs,
		admission: d.Admission,
		events:    d.Events,
		registry:  d.Registry,
		ledger:    d.Ledger,
		quota:     d.Quota,
		resolver:  d.Resolver,
		maxBody:   d.MaxBodyBytes,
		logger:    d.Logger.With("component", "api"),
		addr:      addr,
	}
	if srv.maxBody <= 0 {
		srv.maxBody = defaultMaxBody
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if d.ClientRate > 0 {
		srv.router.Use(newClientLimiter(d.ClientRate, d.ClientBurst).middleware)
	}

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	// Estimation is read-only and needs no identity.
	s.router.Post("/v1/estimate", s.handleEstimate)
	s.router.Get("/v1/providers", s.handleListProviders)

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/v1/account", s.handleGetAccount)
		r.Get("/v1/stats", s.handleGetStats)

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Get("/{id}/events", s.handleStreamEvents)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
