package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/fetch"
	"github.com/rendis/agentflow/internal/metrics"
	"github.com/rendis/agentflow/internal/service"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, string) {}

type stubFetcher struct {
	doc *fetch.Document
	err error
}

func (f stubFetcher) Fetch(context.Context, string) (*fetch.Document, error) { return f.doc, f.err }

type stubJobs struct {
	jobs []*store.ScheduledJob
}

func (j *stubJobs) ListJobs(_ context.Context, workflowID string) ([]*store.ScheduledJob, error) {
	var out []*store.ScheduledJob
	for _, job := range j.jobs {
		if workflowID == "" || job.WorkflowID == workflowID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (j *stubJobs) SetJobEnabled(_ context.Context, id string, enabled bool) (*store.ScheduledJob, error) {
	for _, job := range j.jobs {
		if job.ID == id {
			job.Enabled = enabled
			return job, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "scheduled job not found")
}

type testEnv struct {
	srv      *Server
	svc      *service.Service
	breakers *engine.CircuitBreakerRegistry
	limiter  *engine.Limiter
}

func newTestEnv(t *testing.T, fetcher fetch.Fetcher) *testEnv {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	events := store.NewEventLog(s, store.WithTailTiming(10*time.Millisecond, 2*time.Second))

	opts := []service.Option{service.WithLogger(logger)}
	if fetcher != nil {
		opts = append(opts, service.WithFetcher(fetcher))
	}
	svc, err := service.New(s, events, noopExecutor{}, opts...)
	require.NoError(t, err)

	breakers := engine.NewCircuitBreakerRegistry(engine.CircuitBreakerConfig{
		FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1,
	})
	breakers.Get(engine.ExecutorBreakerName)
	limiter := engine.NewLimiter(engine.WorkflowLimiterName, 2)
	monitor := service.NewMonitor(breakers, engine.NewLimiters(limiter), logger)

	srv := NewServer(":0", Deps{
		Service: svc,
		Monitor: monitor,
		Metrics: metrics.New(),
		Jobs: &stubJobs{jobs: []*store.ScheduledJob{
			{ID: "job-1", WorkflowID: "wf-a", CronExpression: "*/5 * * * *", Enabled: true},
		}},
		Logger: logger,
	})
	return &testEnv{srv: srv, svc: svc, breakers: breakers, limiter: limiter}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func leadDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Name: "lead-pipeline",
		Steps: []schema.Step{
			{ID: "research", Kind: schema.StepKindResearch},
			{ID: "qualify", Kind: schema.StepKindQualify},
		},
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["ok"])
}

func TestPanicRecovery(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.Router().Get("/panic", func(http.ResponseWriter, *http.Request) { panic("test panic") })

	rec := env.do(t, http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/workflows", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWorkflowCRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/workflows", leadDefinition())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[store.Workflow](t, rec)
	require.NotEmpty(t, created.ID)

	rec = env.do(t, http.MethodGet, "/api/workflows/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lead-pipeline", decodeBody[store.Workflow](t, rec).Name)

	def := leadDefinition()
	def.Name = "renamed"
	rec = env.do(t, http.MethodPut, "/api/workflows/"+created.ID, def)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]store.Workflow](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "renamed", list[0].Name)

	rec = env.do(t, http.MethodDelete, "/api/workflows/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/workflows/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, schema.ErrCodeNotFound, decodeBody[errorResponse](t, rec).Code)
}

func TestCreateWorkflow_Invalid(t *testing.T) {
	env := newTestEnv(t, nil)

	def := leadDefinition()
	def.Name = ""
	rec := env.do(t, http.MethodPost, "/api/workflows", def)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, decodeBody[errorResponse](t, rec).Code)
}

func TestCreateWorkflow_MalformedJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateWorkflow(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/workflows/validate", leadDefinition())
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[validateResponse](t, rec)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)

	rec = env.do(t, http.MethodPost, "/api/workflows/validate", schema.WorkflowDefinition{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[validateResponse](t, rec).Valid)
}

func TestCreateRun(t *testing.T) {
	env := newTestEnv(t, nil)
	wf, _, err := env.svc.CreateWorkflow(context.Background(), leadDefinition())
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/workflow-runs", createRunRequest{
		WorkflowID: wf.ID,
		Inputs:     map[string]any{"company": "Acme"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeBody[createRunResponse](t, rec)
	assert.Equal(t, wf.ID, resp.WorkflowID)
	assert.Equal(t, schema.RunStatusPending, resp.Status)

	rec = env.do(t, http.MethodGet, "/api/workflow-runs/"+resp.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Acme", decodeBody[store.Run](t, rec).Inputs["company"])

	rec = env.do(t, http.MethodGet, "/api/workflow-runs?workflow_id="+wf.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.Run](t, rec), 1)
}

func TestCreateRun_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	wf, _, err := env.svc.CreateWorkflow(context.Background(), leadDefinition())
	require.NoError(t, err)

	tests := []struct {
		name   string
		req    createRunRequest
		status int
		msg    string
	}{
		{"missing company", createRunRequest{WorkflowID: wf.ID, Inputs: map[string]any{}}, http.StatusBadRequest, service.MissingCompanyMessage},
		{"blank company", createRunRequest{WorkflowID: wf.ID, Inputs: map[string]any{"company": "  "}}, http.StatusBadRequest, service.MissingCompanyMessage},
		{"unknown workflow", createRunRequest{WorkflowID: "nope", Inputs: map[string]any{"company": "Acme"}}, http.StatusNotFound, "Workflow not found"},
		{"missing workflow id", createRunRequest{Inputs: map[string]any{"company": "Acme"}}, http.StatusBadRequest, "workflow_id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/workflow-runs", tt.req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.msg, decodeBody[errorResponse](t, rec).Error)
		})
	}
}

func TestGetRun_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/workflow-runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/workflow-runs/missing/logs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func createRunWithEvents(t *testing.T, env *testEnv) string {
	t.Helper()
	ctx := context.Background()
	wf, _, err := env.svc.CreateWorkflow(ctx, leadDefinition())
	require.NoError(t, err)
	run, err := env.svc.CreateRun(ctx, wf.ID, map[string]any{"company": "Acme"})
	require.NoError(t, err)

	for _, p := range []schema.EventPayload{
		schema.StartedPayload{Workflow: wf.ID},
		schema.StepStartPayload{Index: 1},
		schema.FinishedPayload{Status: schema.RunStatusSuccess},
	} {
		_, err := env.svc.Events().Append(ctx, run.ID, p)
		require.NoError(t, err)
	}
	return run.ID
}

func TestRunEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	runID := createRunWithEvents(t, env)

	rec := env.do(t, http.MethodGet, "/api/workflow-runs/"+runID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	envs := decodeBody[[]store.Envelope](t, rec)
	require.Len(t, envs, 3)
	assert.Equal(t, schema.EventStarted, envs[0].Event)

	rec = env.do(t, http.MethodGet, "/api/workflow-runs/"+runID+"/events?since=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	envs = decodeBody[[]store.Envelope](t, rec)
	require.Len(t, envs, 1)
	assert.Equal(t, schema.EventFinished, envs[0].Event)
}

func TestRunLogs_StreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	runID := createRunWithEvents(t, env)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/workflow-runs/" + runID + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	frames := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.True(t, strings.HasPrefix(f, "data: "), f)
	}
	var last store.Envelope
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[2], "data: ")), &last))
	assert.Equal(t, schema.EventFinished, last.Event)
	assert.NotEmpty(t, last.Timestamp)
}

func TestRunLogs_ResumesAfterSince(t *testing.T) {
	env := newTestEnv(t, nil)
	runID := createRunWithEvents(t, env)

	rec := env.do(t, http.MethodGet, "/api/workflow-runs/"+runID+"/logs?since=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, 2, strings.Count(body, "data: "))
	assert.NotContains(t, body, `"event":"started"`)
}

func TestOrgProfile(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/org/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody[map[string]any](t, rec)["ready"])

	rec = env.do(t, http.MethodPut, "/api/org/profile", map[string]any{
		"name":              "Acme",
		"product_one_liner": "Widgets for everyone",
		"value_props":       []string{"fast"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]bool](t, rec)["ready"])

	rec = env.do(t, http.MethodGet, "/api/org/profile", nil)
	got := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "Acme", got["name"])
	assert.Equal(t, true, got["ready"])
}

func TestOrgFromURL(t *testing.T) {
	env := newTestEnv(t, stubFetcher{doc: &fetch.Document{Title: "Acme | Home", Description: "We make widgets"}})

	rec := env.do(t, http.MethodPost, "/api/org/from-url", fromURLRequest{URL: "https://www.acme.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	draft := decodeBody[service.OrgDraft](t, rec)
	require.NotNil(t, draft.Draft)
	assert.Equal(t, "Acme", draft.Draft["name"])
	assert.Equal(t, "We make widgets", draft.Draft["product_one_liner"])
	assert.Nil(t, draft.Warning)

	rec = env.do(t, http.MethodPost, "/api/org/from-url", fromURLRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing url", decodeBody[errorResponse](t, rec).Error)
}

func TestOrgFromURL_FetchFailure(t *testing.T) {
	env := newTestEnv(t, stubFetcher{err: errors.New("dial tcp: no such host")})

	rec := env.do(t, http.MethodPost, "/api/org/from-url", fromURLRequest{URL: "https://gone.example"})
	require.Equal(t, http.StatusOK, rec.Code)
	draft := decodeBody[service.OrgDraft](t, rec)
	assert.Nil(t, draft.Draft)
	require.NotNil(t, draft.Warning)
	assert.Contains(t, *draft.Warning, "Could not fetch site")
}

func TestMonitoring(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/monitoring/health/system", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.HealthHealthy, decodeBody[service.SystemHealth](t, rec).Status)

	cb := env.breakers.Get(engine.ExecutorBreakerName)
	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("down") })

	rec = env.do(t, http.MethodGet, "/api/monitoring/health/circuit-breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	breakers := decodeBody[map[string]engine.CircuitBreakerStatus](t, rec)
	assert.Equal(t, "open", breakers[engine.ExecutorBreakerName].State)

	rec = env.do(t, http.MethodGet, "/api/monitoring/health/system", nil)
	assert.Equal(t, service.HealthDegraded, decodeBody[service.SystemHealth](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/api/monitoring/admin/circuit-breaker/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reset := decodeBody[resetResponse](t, rec)
	assert.True(t, reset.Success)
	require.NotNil(t, reset.NewState)
	assert.Equal(t, "closed", reset.NewState.State)

	rec = env.do(t, http.MethodPost, "/api/monitoring/admin/circuit-breaker/reset?breaker_name=nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decodeBody[resetResponse](t, rec).Success)
}

func TestMonitoring_Limiters(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.limiter.Acquire(context.Background(), 0))
	defer env.limiter.Release()

	rec := env.do(t, http.MethodGet, "/api/monitoring/health/limiters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ls := decodeBody[map[string]engine.LimiterStatus](t, rec)
	assert.Equal(t, 1, ls[engine.WorkflowLimiterName].Current)
	assert.Equal(t, 1, ls[engine.WorkflowLimiterName].Available)
}

func TestScheduledJobs(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/scheduled-jobs?workflow_id=wf-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.ScheduledJob](t, rec), 1)

	rec = env.do(t, http.MethodPut, "/api/scheduled-jobs/job-1", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[store.ScheduledJob](t, rec).Enabled)

	rec = env.do(t, http.MethodPut, "/api/scheduled-jobs/job-1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/scheduled-jobs/missing", map[string]bool{"enabled": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/healthz", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `agentflow_http_requests_total{method="GET",path="/healthz",status="200"} 1`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(schema.ErrCodeValidation))
	assert.Equal(t, http.StatusNotFound, statusFor(schema.ErrCodeNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(schema.ErrCodeConflict))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(schema.ErrCodeRateLimited))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(schema.ErrCodeCircuitOpen))
	assert.Equal(t, http.StatusInternalServerError, statusFor(schema.ErrCodeStore))
}
