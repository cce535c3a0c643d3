package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedWorkflow(t *testing.T, s *LibSQLStore) *Workflow {
	t.Helper()
	wf := &Workflow{
		ID:   uuid.New().String(),
		Name: "lead-pipeline",
		Definition: schema.WorkflowDefinition{
			Name: "lead-pipeline",
			Steps: []schema.Step{
				{ID: "research", Kind: schema.StepKindResearch, Instructions: "Research {{input.company}}"},
				{ID: "qualify", Kind: schema.StepKindQualify},
			},
		},
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedRun(t *testing.T, s *LibSQLStore, wf *Workflow) *Run {
	t.Helper()
	run := &Run{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Inputs:     map[string]any{"company": "Acme", "website": "https://acme.io"},
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func statusPtr(s schema.RunStatus) *schema.RunStatus { return &s }

// --- Workflow Tests ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s)

	got, err := s.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "lead-pipeline", got.Name)
	require.Len(t, got.Definition.Steps, 2)
	assert.Equal(t, schema.StepKindQualify, got.Definition.Steps[1].Kind)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateWorkflow_DuplicateConflict(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s)

	err := s.CreateWorkflow(context.Background(), &Workflow{ID: wf.ID, Name: "dup"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestUpdateAndDeleteWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	wf.Description = "updated"
	wf.Definition.Steps = append(wf.Definition.Steps, schema.Step{ID: "outreach", Kind: schema.StepKindOutreach})
	require.NoError(t, s.UpdateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)
	assert.Len(t, got.Definition.Steps, 3)

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))
	assert.True(t, schema.HasCode(s.DeleteWorkflow(ctx, wf.ID), schema.ErrCodeNotFound))
}

func TestListWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)
	seedWorkflow(t, s)
	require.NoError(t, s.CreateWorkflow(ctx, &Workflow{ID: uuid.New().String(), Name: "other"}))

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	named, err := s.ListWorkflows(ctx, WorkflowFilter{Name: "lead-pipeline", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, named, 1)
}

// --- Run Tests ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s)
	run := seedRun(t, s, wf)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPending, got.Status)
	assert.Equal(t, "Acme", got.Inputs["company"])
	assert.Nil(t, got.Output)
	assert.Nil(t, got.StartedAt)
}

func TestUpdateRun_LifecycleAndOutput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedWorkflow(t, s))

	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:    statusPtr(schema.RunStatusRunning),
		StartedAt: &now,
		Prompts: map[schema.StepKind]schema.Prompt{
			schema.StepKindResearch: {Description: "d", ExpectedOutput: "e"},
		},
	}))

	msg := ""
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:     statusPtr(schema.RunStatusSuccess),
		FinishedAt: &now,
		Error:      &msg,
		Output: &schema.RunOutput{Steps: []schema.StepOutput{
			{Index: 1, Kind: schema.StepKindResearch, Text: "found it"},
		}},
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, got.Status)
	require.NotNil(t, got.Output)
	assert.Equal(t, "found it", got.Output.Steps[0].Text)
	assert.Equal(t, "d", got.Prompts[schema.StepKindResearch].Description)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
}

func TestUpdateRun_TerminalWrittenOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedWorkflow(t, s))
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: statusPtr(schema.RunStatusRunning)}))

	statuses := []schema.RunStatus{
		schema.RunStatusSuccess, schema.RunStatusError, schema.RunStatusDisqualified,
		schema.RunStatusRateLimited, schema.RunStatusStoppedLowQuality,
	}
	var wg sync.WaitGroup
	errs := make([]error, len(statuses))
	for i, st := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.UpdateRun(ctx, run.ID, RunUpdate{Status: statusPtr(st)})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)
}

func TestUpdateRun_RejectsLeavingTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedWorkflow(t, s))
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: statusPtr(schema.RunStatusError)}))

	err := s.UpdateRun(ctx, run.ID, RunUpdate{Status: statusPtr(schema.RunStatusRunning)})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	err = s.UpdateRun(ctx, run.ID, RunUpdate{Status: statusPtr(schema.RunStatusPending)})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusError, got.Status)
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: statusPtr(schema.RunStatusRunning)})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	r1 := seedRun(t, s, wf)
	seedRun(t, s, wf)
	seedRun(t, s, seedWorkflow(t, s))
	require.NoError(t, s.UpdateRun(ctx, r1.ID, RunUpdate{Status: statusPtr(schema.RunStatusRunning)}))

	byWorkflow, err := s.ListRuns(ctx, RunFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	running, err := s.ListRuns(ctx, RunFilter{Status: statusPtr(schema.RunStatusRunning)})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, r1.ID, running[0].ID)
}

// --- Org Profile Tests ---

func TestOrgProfile_EmptyThenPut(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.GetOrgProfile(ctx)
	require.NoError(t, err)
	assert.Empty(t, p.Data)

	_, err = s.PutOrgProfile(ctx, map[string]any{
		"name": "Acme Sales",
		"icp":  map[string]any{"industries": []any{"SaaS"}, "roles": []any{"CTO"}},
	})
	require.NoError(t, err)

	_, err = s.PutOrgProfile(ctx, map[string]any{"name": "Acme Sales 2"})
	require.NoError(t, err)

	p, err = s.GetOrgProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Acme Sales 2", p.Data["name"])
	assert.NotContains(t, p.Data, "icp")
}

// --- Scheduled Job Tests ---

func TestScheduledJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	next := time.Now().Add(time.Hour).UTC()
	job := &ScheduledJob{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		CronExpression: "0 9 * * 1",
		Inputs:         map[string]any{"company": "Acme"},
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * 1", got.CronExpression)
	assert.Equal(t, "Acme", got.Inputs["company"])
	assert.True(t, got.Enabled)

	now := time.Now().UTC()
	disabled := false
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		Enabled:       &disabled,
		LastRunAt:     &now,
		LastRunID:     "run-1",
		LastRunStatus: "success",
	}))

	enabled := true
	list, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListScheduledJobs(ctx, ScheduledJobFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "run-1", list[0].LastRunID)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSchemaVersion(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion(), v)
}

func TestSplitStatements_SkipsCommentOnlyChunks(t *testing.T) {
	stmts := splitStatements("-- header\n;CREATE TABLE a (x INT);\n-- trailing only\n")
	require.Len(t, stmts, 1)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
}

func TestLoadMigrations_OrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_later.sql":  {Data: []byte("CREATE TABLE b (x INT);")},
		"m/002_second.sql": {Data: []byte("CREATE TABLE a (x INT);")},
		"m/README.md":      {Data: []byte("ignored")},
	}
	ms, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, 2, ms[0].Version)
	assert.Equal(t, "second", ms[0].Name)
	assert.Equal(t, 10, ms[1].Version)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{"bad name", fstest.MapFS{"m/initial.sql": {Data: []byte("SELECT 1;")}}},
		{"zero version", fstest.MapFS{"m/000_zero.sql": {Data: []byte("SELECT 1;")}}},
		{"duplicate version", fstest.MapFS{
			"m/001_a.sql": {Data: []byte("SELECT 1;")},
			"m/001_b.sql": {Data: []byte("SELECT 1;")},
		}},
		{"empty dir", fstest.MapFS{"m/notes.txt": {Data: []byte("x")}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadMigrations(tc.fsys, "m")
			assert.Error(t, err)
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	require.Len(t, migrations, 3)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, splitStatements(m.SQL), m.Name)
	}
}
