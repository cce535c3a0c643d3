package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/agentflow/internal/agents"
	"github.com/rendis/agentflow/internal/api"
	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/fetch"
	"github.com/rendis/agentflow/internal/metrics"
	"github.com/rendis/agentflow/internal/prompts"
	"github.com/rendis/agentflow/internal/quality"
	"github.com/rendis/agentflow/internal/scheduler"
	"github.com/rendis/agentflow/internal/service"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/mcp"
)

// app is the fully wired engine shared by the serve and mcp commands.
type app struct {
	cfg    Config
	logger *slog.Logger

	store     *store.LibSQLStore
	events    *store.EventLog
	breakers  *engine.CircuitBreakerRegistry
	limiters  *engine.Limiters
	metrics   *metrics.Metrics
	runner    *engine.Runner
	svc       *service.Service
	monitor   *service.Monitor
	scheduler *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st}
	if err := a.wire(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	hub := streaming.NewMemoryHub()
	a.events = store.NewEventLog(a.store,
		store.WithHub(hub),
		store.WithTailTiming(cfg.Tail.PollInterval, cfg.Tail.MaxDuration),
		store.WithLogger(a.logger),
	)

	registry := agents.NewRegistry()
	if err := registry.RegisterAll(agents.OpenAIFactory(agents.OpenAIConfig{
		BaseURL:     cfg.OpenAI.BaseURL,
		APIKey:      cfg.OpenAI.APIKey,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		MaxTokens:   cfg.OpenAI.MaxTokens,
	})); err != nil {
		return err
	}
	if cfg.OpenAI.APIKey == "" {
		a.logger.Warn("openai api key is not configured; runs will fail at their first step")
	}

	bcfg := engine.DefaultCircuitBreakerConfig()
	bcfg.FailureThreshold = cfg.Breaker.FailureThreshold
	bcfg.RecoveryTimeout = cfg.Breaker.RecoveryTimeout
	bcfg.SuccessThreshold = cfg.Breaker.SuccessThreshold
	a.breakers = engine.NewCircuitBreakerRegistry(bcfg)
	breaker := a.breakers.Get(engine.ExecutorBreakerName)

	workflowSlots := engine.NewLimiter(engine.WorkflowLimiterName, cfg.Limits.MaxConcurrentWorkflows)
	apiSlots := engine.NewLimiter(engine.APILimiterName, cfg.Limits.APIRequests)
	a.limiters = engine.NewLimiters(workflowSlots, apiSlots)

	a.metrics = metrics.New()
	a.metrics.TrackBreakers(a.breakers)
	a.metrics.TrackLimiters(a.limiters)
	a.metrics.TrackHub(hub)
	record := a.metrics.BreakerObserver()
	a.breakers.OnStateChange(func(name string, from, to engine.CircuitState) {
		record(name, from, to)
		a.logger.Warn("circuit breaker transition",
			slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
	})

	qualify, err := quality.NewQualifyGate(cfg.Quality.DisqualifyThreshold, cfg.Quality.DisqualifyPolicy)
	if err != nil {
		return fmt.Errorf("quality.disqualify_policy: %w", err)
	}
	gates := quality.NewGates(quality.NewResearchGate(cfg.Quality.ResearchThreshold), qualify)

	readiness, err := prompts.NewReadiness(cfg.Quality.ReadinessExpression)
	if err != nil {
		return fmt.Errorf("quality.readiness_expression: %w", err)
	}

	fetcher := fetch.NewHTTPFetcher(fetch.Config{})

	rcfg := engine.DefaultRunnerConfig()
	rcfg.AdmissionTimeout = cfg.Timeouts.Admission
	rcfg.StepTimeout = cfg.Timeouts.Step
	rcfg.FetchTimeout = cfg.Timeouts.Fetch
	rcfg.APIAcquireTimeout = cfg.Timeouts.APIAcquire
	rcfg.Retry = cfg.retryPolicy()

	a.runner, err = engine.NewRunner(a.store, a.events, registry, rcfg,
		engine.WithLimiter(workflowSlots),
		engine.WithAPILimiter(apiSlots),
		engine.WithBreaker(breaker),
		engine.WithGates(gates),
		engine.WithReadiness(readiness),
		engine.WithFetcher(fetcher),
		engine.WithObserver(a.metrics),
		engine.WithRunnerLogger(a.logger),
	)
	if err != nil {
		return err
	}

	a.svc, err = service.New(a.store, a.events, a.runner,
		service.WithLogger(a.logger),
		service.WithFetcher(fetcher),
	)
	if err != nil {
		return err
	}
	a.monitor = service.NewMonitor(a.breakers, a.limiters, a.logger)
	a.scheduler = scheduler.NewScheduler(a.store, a.svc, a.logger, scheduler.WithInterval(cfg.SchedulerInterval))
	return nil
}

// apiServer builds the HTTP server over the wired components.
func (a *app) apiServer() *api.Server {
	return api.NewServer(a.cfg.ListenAddr, api.Deps{
		Service: a.svc,
		Monitor: a.monitor,
		Metrics: a.metrics,
		Jobs:    a.scheduler,
		Logger:  a.logger,
	})
}

// mcpServer builds the stdio MCP server over the wired components.
func (a *app) mcpServer() *mcp.Server {
	return mcp.NewServer(mcp.ServerDeps{
		Service: a.svc,
		Monitor: a.monitor,
		Logger:  a.logger,
	})
}

// Close drains in-flight runs, then closes the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.svc.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain runs: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
