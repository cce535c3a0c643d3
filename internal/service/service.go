// Package service is the application layer shared by the HTTP API, the MCP
// server, the scheduler and the CLI. It validates requests, persists
// workflows and runs, and dispatches run execution in the background.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/fetch"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/prompts"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// MissingCompanyMessage is returned when a run is requested without a company.
const MissingCompanyMessage = "Missing required input: company"

// RunExecutor drives a persisted pending run to completion. Satisfied by *engine.Runner.
type RunExecutor interface {
	Execute(ctx context.Context, runID string)
}

// Service coordinates workflow and run operations.
type Service struct {
	store      store.Store
	events     *store.EventLog
	runner     RunExecutor
	dispatcher *engine.Dispatcher
	validator  *validation.WorkflowValidator
	fetcher    fetch.Fetcher
	logger     *slog.Logger
	newID      func() string
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithDispatcher sets the dispatcher used for background runs.
func WithDispatcher(d *engine.Dispatcher) Option { return func(s *Service) { s.dispatcher = d } }

// WithFetcher enables drafting org profiles from a website.
func WithFetcher(f fetch.Fetcher) Option { return func(s *Service) { s.fetcher = f } }

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// New creates a Service.
func New(s store.Store, events *store.EventLog, runner RunExecutor, opts ...Option) (*Service, error) {
	v, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, err
	}
	svc := &Service{
		store:     s,
		events:    events,
		runner:    runner,
		validator: v,
		logger:    slog.Default(),
		newID:     func() string { return uuid.New().String() },
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.dispatcher == nil {
		svc.dispatcher = engine.NewDispatcher()
	}
	return svc, nil
}

// Dispatcher exposes the background run dispatcher.
func (s *Service) Dispatcher() *engine.Dispatcher { return s.dispatcher }

// Events exposes the run event log.
func (s *Service) Events() *store.EventLog { return s.events }

// --- Workflows ---

// ValidateWorkflow reports every issue found in def without persisting it.
func (s *Service) ValidateWorkflow(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return s.validator.Validate(def)
}

// CreateWorkflow validates and stores a new workflow definition. Warnings are
// returned alongside the workflow; errors reject the definition.
func (s *Service) CreateWorkflow(ctx context.Context, def schema.WorkflowDefinition) (*store.Workflow, []schema.ValidationIssue, error) {
	res := s.validator.Validate(&def)
	if err := res.ToError(); err != nil {
		return nil, nil, err
	}
	now := s.now()
	wf := &store.Workflow{
		ID:          s.newID(),
		Name:        def.Name,
		Description: def.Description,
		Definition:  def,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, nil, storeError(err, "create workflow")
	}
	logging.LogWith(logging.WithWorkflowID(ctx, wf.ID), s.logger).Info("workflow created",
		slog.String("name", wf.Name), slog.Int("steps", len(def.Steps)))
	return wf, res.Warnings, nil
}

// UpdateWorkflow replaces the definition of workflow id. Runs already started
// keep the definition they loaded.
func (s *Service) UpdateWorkflow(ctx context.Context, id string, def schema.WorkflowDefinition) (*store.Workflow, []schema.ValidationIssue, error) {
	res := s.validator.Validate(&def)
	if err := res.ToError(); err != nil {
		return nil, nil, err
	}
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, nil, storeError(err, "get workflow")
	}
	wf.Name = def.Name
	wf.Description = def.Description
	wf.Definition = def
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, nil, storeError(err, "update workflow")
	}
	return wf, res.Warnings, nil
}

// GetWorkflow returns workflow id.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, storeError(err, "get workflow")
	}
	return wf, nil
}

// ListWorkflows returns workflows matching filter, newest first.
func (s *Service) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	wfs, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, storeError(err, "list workflows")
	}
	if wfs == nil {
		wfs = []*store.Workflow{}
	}
	return wfs, nil
}

// DeleteWorkflow removes workflow id.
func (s *Service) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.store.DeleteWorkflow(ctx, id); err != nil {
		return storeError(err, "delete workflow")
	}
	return nil
}

// --- Runs ---

// CreateRun validates inputs, persists a pending run of workflowID and
// dispatches its execution. It returns as soon as the run is stored; progress
// is observed through the event log.
func (s *Service) CreateRun(ctx context.Context, workflowID string, inputs map[string]any) (*store.Run, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	if company, _ := inputs[prompts.InputCompany].(string); strings.TrimSpace(company) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, MissingCompanyMessage).
			WithDetails(map[string]any{"input": prompts.InputCompany})
	}

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewError(schema.ErrCodeNotFound, "Workflow not found").
				WithDetails(map[string]any{"workflow_id": workflowID})
		}
		return nil, storeError(err, "get workflow")
	}
	if err := s.validator.ValidateInput(inputs, wf.Definition.InputSchema); err != nil {
		return nil, err
	}

	now := s.now()
	run := &store.Run{
		ID:         s.newID(),
		WorkflowID: wf.ID,
		Status:     schema.RunStatusPending,
		Inputs:     inputs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, storeError(err, "create run")
	}

	ctx = logging.WithIDs(ctx, run.ID, wf.ID)
	if err := s.dispatcher.Go(ctx, func(ctx context.Context) { s.runner.Execute(ctx, run.ID) }); err != nil {
		msg := "service is shutting down"
		status := schema.RunStatusError
		if uerr := s.store.UpdateRun(context.WithoutCancel(ctx), run.ID, store.RunUpdate{Status: &status, Error: &msg}); uerr != nil {
			logging.LogWith(ctx, s.logger).Error("mark undispatched run failed", slog.String("error", uerr.Error()))
		}
		return nil, schema.NewError(schema.ErrCodeConflict, msg).WithCause(err)
	}
	logging.LogWith(ctx, s.logger).Info("run dispatched")
	return run, nil
}

// GetRun returns run id.
func (s *Service) GetRun(ctx context.Context, id string) (*store.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, storeError(err, "get run")
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, storeError(err, "list runs")
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return runs, nil
}

// RunEvents returns the events of run id after sequence since.
func (s *Service) RunEvents(ctx context.Context, id string, since int64) ([]*store.Event, error) {
	if _, err := s.GetRun(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.events.Since(ctx, id, since)
	if err != nil {
		return nil, storeError(err, "read events")
	}
	if events == nil {
		events = []*store.Event{}
	}
	return events, nil
}

// TailRun streams events of run id to emit until the run ends, ctx is done
// or the tail cap elapses.
func (s *Service) TailRun(ctx context.Context, id string, since int64, emit func(*store.Event) error) error {
	return s.events.Tail(ctx, id, since, emit)
}

// Shutdown stops accepting runs and waits for in-flight runs or ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("waiting for in-flight runs", slog.Int64("active", s.dispatcher.Metrics().Active))
	return s.dispatcher.Shutdown(ctx)
}

// storeError keeps FlowErrors and wraps anything else as STORE_ERROR.
func storeError(err error, op string) error {
	if schema.ErrorCode(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
