package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/fetch"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

type recordingExecutor struct {
	mu   sync.Mutex
	runs []string
	hold chan struct{}
}

func (e *recordingExecutor) Execute(_ context.Context, runID string) {
	if e.hold != nil {
		<-e.hold
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, runID)
}

func (e *recordingExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.runs...)
}

type stubFetcher struct {
	doc *fetch.Document
	err error
}

func (f stubFetcher) Fetch(context.Context, string) (*fetch.Document, error) { return f.doc, f.err }

func newTestService(t *testing.T, opts ...Option) (*Service, *store.LibSQLStore, *recordingExecutor) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	exec := &recordingExecutor{}
	svc, err := New(s, store.NewEventLog(s), exec, opts...)
	require.NoError(t, err)
	return svc, s, exec
}

func leadDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Name: "lead-pipeline",
		Steps: []schema.Step{
			{ID: "research", Kind: schema.StepKindResearch, Instructions: "Research {{input.company}}"},
			{ID: "qualify", Kind: schema.StepKindQualify},
			{ID: "outreach", Kind: schema.StepKindOutreach},
		},
		InputSchema: []schema.InputField{
			{Name: "company", Type: "string", Required: true},
			{Name: "website", Type: "string"},
		},
	}
}

// --- Workflows ---

func TestCreateWorkflow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	wf, warnings, err := svc.CreateWorkflow(ctx, leadDefinition())
	require.NoError(t, err)
	assert.NotEmpty(t, wf.ID)
	assert.Empty(t, warnings)

	got, err := svc.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "lead-pipeline", got.Name)
	assert.Len(t, got.Definition.Steps, 3)
}

func TestCreateWorkflow_Invalid(t *testing.T) {
	svc, _, _ := newTestService(t)

	def := leadDefinition()
	def.Name = ""
	_, _, err := svc.CreateWorkflow(context.Background(), def)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	wfs, err := svc.ListWorkflows(context.Background(), store.WorkflowFilter{})
	require.NoError(t, err)
	assert.Empty(t, wfs)
}

func TestCreateWorkflow_ReturnsWarnings(t *testing.T) {
	svc, _, _ := newTestService(t)

	def := leadDefinition()
	def.Steps = []schema.Step{{ID: "q", Kind: schema.StepKindQualify}, {ID: "r", Kind: schema.StepKindResearch}}
	wf, warnings, err := svc.CreateWorkflow(context.Background(), def)
	require.NoError(t, err)
	require.NotNil(t, wf)
	require.NotEmpty(t, warnings)
	assert.Equal(t, "steps[0].kind", warnings[0].Path)
}

func TestUpdateAndDeleteWorkflow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	wf, _, err := svc.CreateWorkflow(ctx, leadDefinition())
	require.NoError(t, err)

	def := leadDefinition()
	def.Name = "research-only"
	def.Steps = def.Steps[:1]
	updated, _, err := svc.UpdateWorkflow(ctx, wf.ID, def)
	require.NoError(t, err)
	assert.Equal(t, "research-only", updated.Name)

	got, err := svc.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, got.Definition.Steps, 1)

	require.NoError(t, svc.DeleteWorkflow(ctx, wf.ID))
	err = svc.DeleteWorkflow(ctx, wf.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, _, err = svc.UpdateWorkflow(ctx, wf.ID, def)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

// --- Runs ---

func TestCreateRun_DispatchesPendingRun(t *testing.T) {
	svc, s, exec := newTestService(t)
	ctx := context.Background()
	wf, _, err := svc.CreateWorkflow(ctx, leadDefinition())
	require.NoError(t, err)

	run, err := svc.CreateRun(ctx, wf.ID, map[string]any{"company": "Globex", "website": "https://globex.io"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPending, run.Status)

	svc.Dispatcher().Wait()
	assert.Equal(t, []string{run.ID}, exec.executed())

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, stored.WorkflowID)
	assert.Equal(t, "Globex", stored.Inputs["company"])
}

func TestCreateRun_MissingCompany(t *testing.T) {
	svc, _, exec := newTestService(t)
	ctx := context.Background()
	wf, _, err := svc.CreateWorkflow(ctx, leadDefinition())
	require.NoError(t, err)

	for _, inputs := range []map[string]any{nil, {"company": "   "}, {"company": 42}} {
		_, err := svc.CreateRun(ctx, wf.ID, inputs)
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		assert.Contains(t, err.Error(), MissingCompanyMessage)
	}

	runs, err := svc.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, exec.executed())
}

func TestCreateRun_UnknownWorkflow(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateRun(context.Background(), "missing", map[string]any{"company": "Globex"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Contains(t, err.Error(), "Workflow not found")
}

func TestCreateRun_InputSchemaViolation(t *testing.T) {
	svc, _, exec := newTestService(t)
	ctx := context.Background()
	def := leadDefinition()
	def.InputSchema = append(def.InputSchema, schema.InputField{Name: "employees", Type: "number"})
	wf, _, err := svc.CreateWorkflow(ctx, def)
	require.NoError(t, err)

	_, err = svc.CreateRun(ctx, wf.ID, map[string]any{"company": "Globex", "employees": "many"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Empty(t, exec.executed())
}

func TestCreateRun_AfterShutdown(t *testing.T) {
	svc, s, exec := newTestService(t)
	ctx := context.Background()
	wf, _, err := svc.CreateWorkflow(ctx, leadDefinition())
	require.NoError(t, err)

	require.NoError(t, svc.Shutdown(ctx))

	_, err = svc.CreateRun(ctx, wf.ID, map[string]any{"company": "Globex"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	assert.Empty(t, exec.executed())

	runs, err := s.ListRuns(ctx, store.RunFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schema.RunStatusError, runs[0].Status)
}

func TestShutdown_WaitsForInflightRuns(t *testing.T) {
	svc, _, exec := newTestService(t)
	exec.hold = make(chan struct{})
	ctx := context.Background()
	wf, _, err := svc.CreateWorkflow(ctx, leadDefinition())
	require.NoError(t, err)

	_, err = svc.CreateRun(ctx, wf.ID, map[string]any{"company": "Globex"})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Shutdown(short), context.DeadlineExceeded)

	close(exec.hold)
	require.NoError(t, svc.Shutdown(ctx))
	assert.Len(t, exec.executed(), 1)
}

func TestRunEvents(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	wf, _, err := svc.CreateWorkflow(ctx, leadDefinition())
	require.NoError(t, err)
	run, err := svc.CreateRun(ctx, wf.ID, map[string]any{"company": "Globex"})
	require.NoError(t, err)
	svc.Dispatcher().Wait()

	log := store.NewEventLog(s)
	_, err = log.Append(ctx, run.ID, schema.StartedPayload{Workflow: wf.Name})
	require.NoError(t, err)
	_, err = log.Append(ctx, run.ID, schema.FinishedPayload{Status: schema.RunStatusSuccess})
	require.NoError(t, err)

	events, err := svc.RunEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventFinished, events[0].Kind)

	_, err = svc.RunEvents(ctx, "missing", 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

// --- Org profile ---

func TestOrgProfile_MergeAndReadiness(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.GetOrgProfile(ctx)
	require.NoError(t, err)
	assert.False(t, p.Ready)
	assert.Empty(t, p.Data)

	_, err = svc.UpdateOrgProfile(ctx, map[string]any{"name": "Acme", "product_one_liner": "Pipelines"})
	require.NoError(t, err)
	p, err = svc.UpdateOrgProfile(ctx, map[string]any{"icp": map[string]any{"roles": []any{"CTO"}}})
	require.NoError(t, err)
	assert.True(t, p.Ready)
	assert.Equal(t, "Acme", p.Data["name"])

	got, err := svc.GetOrgProfile(ctx)
	require.NoError(t, err)
	assert.True(t, got.Ready)

	_, err = svc.UpdateOrgProfile(ctx, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestDraftOrgProfile(t *testing.T) {
	doc := &fetch.Document{Title: "Globex | Home", Description: "Rockets for everyone", Heading: "Welcome"}
	svc, _, _ := newTestService(t, WithFetcher(stubFetcher{doc: doc}))

	draft, err := svc.DraftOrgProfile(context.Background(), "https://globex.io")
	require.NoError(t, err)
	assert.Nil(t, draft.Warning)
	assert.Equal(t, "Globex", draft.Draft["name"])
	assert.Equal(t, "Rockets for everyone", draft.Draft["product_one_liner"])

	_, err = svc.DraftOrgProfile(context.Background(), " ")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestDraftOrgProfile_FetchFailure(t *testing.T) {
	fetchErr := schema.NewError(schema.ErrCodeExecution, "Download failed: https://globex.io returned 503")
	svc, _, _ := newTestService(t, WithFetcher(stubFetcher{err: fetchErr}))

	draft, err := svc.DraftOrgProfile(context.Background(), "https://globex.io")
	require.NoError(t, err)
	assert.Nil(t, draft.Draft)
	require.NotNil(t, draft.Warning)
	assert.Equal(t, "Could not fetch site: Download failed: https://globex.io returned 503", *draft.Warning)
}

func TestDraftFromDocument_Fallbacks(t *testing.T) {
	d := DraftFromDocument("https://www.initech.com/about", &fetch.Document{Heading: "We make TPS reports"})
	assert.Equal(t, "initech.com", d["name"])
	assert.Equal(t, "We make TPS reports", d["product_one_liner"])

	icp := d["icp"].(map[string]any)
	assert.Equal(t, map[string]any{"min": 0, "max": 1000000}, icp["employee_range"])
}

// --- Monitoring ---

func newTestMonitor(workflowSlots int) (*Monitor, *engine.CircuitBreakerRegistry, *engine.Limiter) {
	reg := engine.NewCircuitBreakerRegistry(engine.CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 1})
	reg.Get(engine.ExecutorBreakerName)
	wf := engine.NewLimiter(engine.WorkflowLimiterName, workflowSlots)
	api := engine.NewLimiter(engine.APILimiterName, 20)
	return NewMonitor(reg, engine.NewLimiters(wf, api), nil), reg, wf
}

func TestMonitor_Healthy(t *testing.T) {
	m, _, _ := newTestMonitor(10)

	h := m.System()
	assert.Equal(t, HealthHealthy, h.Status)
	assert.Empty(t, h.Issues)
	assert.Equal(t, []string{allNormal}, h.Recommendations)
	assert.Contains(t, h.CircuitBreakers, engine.ExecutorBreakerName)
	assert.Equal(t, 20, h.Limiters[engine.APILimiterName].Available)
}

func TestMonitor_OpenBreakerDegrades(t *testing.T) {
	m, reg, _ := newTestMonitor(10)
	cb := reg.Get(engine.ExecutorBreakerName)
	for i := 0; i < 3; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error { return assert.AnError })
	}

	h := m.System()
	assert.Equal(t, HealthDegraded, h.Status)
	require.Len(t, h.Issues, 1)
	assert.Contains(t, h.Recommendations[0], "Wait 60s before retrying.")

	st, err := m.ResetBreaker(engine.ExecutorBreakerName)
	require.NoError(t, err)
	assert.Equal(t, "closed", st.State)
	assert.Equal(t, HealthHealthy, m.System().Status)
}

func TestMonitor_AtCapacity(t *testing.T) {
	m, _, wf := newTestMonitor(2)
	require.NoError(t, wf.Acquire(context.Background(), 0))
	assert.Equal(t, HealthHealthy, m.System().Status)
	assert.Contains(t, m.System().Recommendations[0], "Near workflow capacity")

	require.NoError(t, wf.Acquire(context.Background(), 0))
	h := m.System()
	assert.Equal(t, HealthAtCapacity, h.Status)
	assert.Contains(t, h.Issues, "Workflow limiter at max capacity")
}

func TestMonitor_ResetUnknown(t *testing.T) {
	m, _, _ := newTestMonitor(10)
	_, err := m.ResetBreaker("nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}
