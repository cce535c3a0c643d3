package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// Workflow is a persisted workflow definition.
type Workflow struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Run is the persisted state of one execution of a workflow.
type Run struct {
	ID         string                            `json:"id"`
	WorkflowID string                            `json:"workflow_id"`
	Status     schema.RunStatus                  `json:"status"`
	Inputs     map[string]any                    `json:"inputs"`
	Output     *schema.RunOutput                 `json:"output,omitempty"`
	Prompts    map[schema.StepKind]schema.Prompt `json:"prompts,omitempty"`
	Error      string                            `json:"error,omitempty"`
	CreatedAt  time.Time                         `json:"created_at"`
	StartedAt  *time.Time                        `json:"started_at,omitempty"`
	FinishedAt *time.Time                        `json:"finished_at,omitempty"`
	UpdatedAt  time.Time                         `json:"updated_at"`
}

// Event is an immutable entry in a run's event log.
type Event struct {
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Kind      string          `json:"event"`
	Payload   json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"ts"`
}

// OrgProfile is the organization context document exposed to templates as org.*.
type OrgProfile struct {
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ScheduledJob is a cron-triggered workflow execution.
type ScheduledJob struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	CronExpression string         `json:"cron_expression"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunID      string         `json:"last_run_id,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Name   string `json:"name,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left unchanged.
type RunUpdate struct {
	Status     *schema.RunStatus                 `json:"status,omitempty"`
	Output     *schema.RunOutput                 `json:"output,omitempty"`
	Prompts    map[schema.StepKind]schema.Prompt `json:"prompts,omitempty"`
	Error      *string                           `json:"error,omitempty"`
	StartedAt  *time.Time                        `json:"started_at,omitempty"`
	FinishedAt *time.Time                        `json:"finished_at,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
