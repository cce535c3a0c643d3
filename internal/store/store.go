package store

import "context"

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *Workflow) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// RunStore persists run records. A terminal status is written at most once
// per run; later attempts fail with CONFLICT.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// EventStore is the append-only event record. Sequences are assigned per run
// starting at 1.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
}

// OrgStore holds the single organization profile document.
type OrgStore interface {
	GetOrgProfile(ctx context.Context) (*OrgProfile, error)
	PutOrgProfile(ctx context.Context, data map[string]any) (*OrgProfile, error)
}

// JobStore persists the cron jobs derived from workflow triggers.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// Store is the full persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	WorkflowStore
	RunStore
	EventStore
	OrgStore
	JobStore

	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
