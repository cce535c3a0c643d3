// Package scheduler creates runs for workflows whose trigger is a cron
// schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"sync"
	"time"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

const (
	// DefaultInterval is how often the store is polled for due jobs.
	DefaultInterval = 60 * time.Second

	jobIDPrefix = "cron-"

	statusDispatched = "dispatched"
	statusError      = "error"
)

// RunCreator is the interface the scheduler uses to start runs.
// Satisfied by *service.Service.
type RunCreator interface {
	CreateRun(ctx context.Context, workflowID string, inputs map[string]any) (*store.Run, error)
}

// JobStore is the persistence the scheduler reads and writes.
type JobStore interface {
	store.WorkflowStore
	store.JobStore
}

// Scheduler keeps one scheduled job per cron-triggered workflow and creates
// a run whenever a job falls due.
type Scheduler struct {
	store    JobStore
	runs     RunCreator
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option { return func(s *Scheduler) { s.interval = d } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// NewScheduler creates a new Scheduler.
func NewScheduler(s JobStore, runs RunCreator, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	sched := &Scheduler{
		store:    s,
		runs:     runs,
		logger:   logger,
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick reconciles jobs with workflow triggers, then runs every enabled job
// that is due.
func (s *Scheduler) tick(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		s.logger.Error("failed to sync scheduled jobs", slog.String("error", err.Error()))
	}

	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}
}

// Sync creates a job for every workflow with a cron trigger, replaces jobs
// whose schedule or inputs changed and deletes jobs whose workflow no longer
// has one. A replaced job keeps its enabled flag.
func (s *Scheduler) Sync(ctx context.Context) error {
	wfs, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
	if err != nil {
		return fmt.Errorf("list scheduled jobs: %w", err)
	}

	existing := make(map[string]*store.ScheduledJob, len(jobs))
	for _, job := range jobs {
		existing[job.ID] = job
	}

	now := s.now()
	for _, wf := range wfs {
		trig := wf.Definition.Trigger
		if trig == nil || trig.Type != schema.TriggerTypeCron {
			continue
		}
		id := JobID(wf.ID)
		enabled := true
		if job, ok := existing[id]; ok {
			delete(existing, id)
			if job.CronExpression == trig.Schedule && sameInputs(job.Inputs, trig.Inputs) {
				continue
			}
			enabled = job.Enabled
			if err := s.store.DeleteScheduledJob(ctx, id); err != nil {
				return fmt.Errorf("replace job %q: %w", id, err)
			}
		}

		next, err := s.CalculateNextRun(trig.Schedule, now)
		if err != nil {
			s.logger.Warn("skipping workflow with invalid schedule",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		job := &store.ScheduledJob{
			ID:             id,
			WorkflowID:     wf.ID,
			CronExpression: trig.Schedule,
			Inputs:         maps.Clone(trig.Inputs),
			Enabled:        enabled,
			NextRunAt:      &next,
			CreatedAt:      now,
		}
		if err := s.store.CreateScheduledJob(ctx, job); err != nil {
			return fmt.Errorf("create job %q: %w", id, err)
		}
		s.logger.Info("scheduled workflow",
			slog.String("workflow_id", wf.ID),
			slog.String("schedule", trig.Schedule),
			slog.Time("next_run_at", next),
		)
	}

	for id := range existing {
		if err := s.store.DeleteScheduledJob(ctx, id); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			return fmt.Errorf("delete job %q: %w", id, err)
		}
		s.logger.Info("unscheduled job", slog.String("job_id", id))
	}
	return nil
}

// runJob creates a run for job and advances its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
	)

	status := statusDispatched
	runID := ""
	run, err := s.runs.CreateRun(ctx, job.WorkflowID, maps.Clone(job.Inputs))
	if err != nil {
		status = statusError
		s.logger.Error("scheduled run rejected",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		runID = run.ID
	}

	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunID:     runID,
		LastRunStatus: status,
	})
}

// ListJobs returns scheduled jobs, optionally for one workflow.
func (s *Scheduler) ListJobs(ctx context.Context, workflowID string) ([]*store.ScheduledJob, error) {
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*store.ScheduledJob{}
	}
	return jobs, nil
}

// SetJobEnabled toggles job id. Enabling recomputes the next run from now so
// occurrences missed while disabled are not replayed.
func (s *Scheduler) SetJobEnabled(ctx context.Context, id string, enabled bool) (*store.ScheduledJob, error) {
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return nil, err
	}
	update := store.ScheduledJobUpdate{Enabled: &enabled}
	if enabled {
		next, err := s.CalculateNextRun(job.CronExpression, s.now())
		if err != nil {
			return nil, err
		}
		update.NextRunAt = &next
	}
	if err := s.store.UpdateScheduledJob(ctx, id, update); err != nil {
		return nil, err
	}
	return s.store.GetScheduledJob(ctx, id)
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := validation.ParseSchedule(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// JobID is the id of the job scheduling workflowID.
func JobID(workflowID string) string { return jobIDPrefix + workflowID }

func sameInputs(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
