// Package api serves the REST and SSE interface over the run service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rendis/agentflow/internal/metrics"
	"github.com/rendis/agentflow/internal/service"
	"github.com/rendis/agentflow/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// JobManager lists and toggles scheduled jobs. Satisfied by *scheduler.Scheduler.
type JobManager interface {
	ListJobs(ctx context.Context, workflowID string) ([]*store.ScheduledJob, error)
	SetJobEnabled(ctx context.Context, id string, enabled bool) (*store.ScheduledJob, error)
}

// Deps holds the dependencies of the API server. Metrics and Jobs are optional.
type Deps struct {
	Service *service.Service
	Monitor *service.Monitor
	Metrics *metrics.Metrics
	Jobs    JobManager
	Logger  *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	svc     *service.Service
	monitor *service.Monitor
	metrics *metrics.Metrics
	jobs    JobManager
	logger  *slog.Logger
	addr    string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	srv := &Server{
		router:  chi.NewRouter(),
		svc:     deps.Service,
		monitor: deps.Monitor,
		metrics: deps.Metrics,
		jobs:    deps.Jobs,
		logger:  deps.Logger,
		addr:    addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	if srv.metrics != nil {
		srv.router.Use(srv.metrics.Middleware)
	}
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()
	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/api/health", s.handleHealthz)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Route("/api/workflows", func(r chi.Router) {
		r.Post("/", s.handleCreateWorkflow)
		r.Get("/", s.handleListWorkflows)
		r.Post("/validate", s.handleValidateWorkflow)
		r.Get("/{id}", s.handleGetWorkflow)
		r.Put("/{id}", s.handleUpdateWorkflow)
		r.Delete("/{id}", s.handleDeleteWorkflow)
	})

	s.router.Route("/api/workflow-runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/events", s.handleRunEvents)
		r.Get("/{id}/logs", s.handleRunLogs)
	})

	s.router.Route("/api/org", func(r chi.Router) {
		r.Get("/profile", s.handleGetOrgProfile)
		r.Put("/profile", s.handlePutOrgProfile)
		r.Post("/profile", s.handlePutOrgProfile)
		r.Post("/from-url", s.handleOrgFromURL)
	})

	if s.monitor != nil {
		s.router.Route("/api/monitoring", func(r chi.Router) {
			r.Get("/health/circuit-breakers", s.handleBreakerHealth)
			r.Get("/health/limiters", s.handleLimiterHealth)
			r.Get("/health/system", s.handleSystemHealth)
			r.Post("/admin/circuit-breaker/reset", s.handleResetBreaker)
		})
	}

	if s.jobs != nil {
		s.router.Route("/api/scheduled-jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Put("/{id}", s.handleUpdateJob)
		})
	}
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then drains connections for up to
// shutdownTimeout.
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
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
	case err, ok := <-errCh:
		if ok {
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
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "agentflow"})
}
