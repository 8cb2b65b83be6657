// Package service is the control surface for jobs: creation, mutation,
// lifecycle transitions, and history reads. It owns schedule
// computation and keeps the store and dispatch queue consistent; the
// external API layer is a thin shell over it.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronoq/internal/clock"
	"github.com/nextlevelbuilder/chronoq/internal/cron"
	"github.com/nextlevelbuilder/chronoq/internal/queue"
	"github.com/nextlevelbuilder/chronoq/internal/scheduler"
	"github.com/nextlevelbuilder/chronoq/internal/store"
)

// Defaults applied to jobs that omit the tunables.
type Defaults struct {
	Timeout    time.Duration
	MaxRetries int
}

// upcomingWindow bounds UpcomingJobs.
const upcomingWindow = 24 * time.Hour

// Service implements the job management operations.
type Service struct {
	store    store.JobStore
	queue    queue.DispatchQueue
	sched    *scheduler.Scheduler
	cron     *cron.Evaluator
	clk      clock.Clock
	defaults Defaults
}

// New wires the service.
func New(st store.JobStore, q queue.DispatchQueue, sched *scheduler.Scheduler, ev *cron.Evaluator, clk clock.Clock, defaults Defaults) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = 300 * time.Second
	}
	if defaults.MaxRetries < 0 || defaults.MaxRetries > store.MaxMaxRetries {
		defaults.MaxRetries = 3
	}
	return &Service{store: st, queue: q, sched: sched, cron: ev, clk: clk, defaults: defaults}
}

// CreateJobRequest is the input to CreateJob. Timeout and MaxRetries
// are optional; nil means the configured default.
type CreateJobRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Kind        store.JobKind   `json:"kind"`
	Schedule    store.Schedule  `json:"schedule"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timeout     *time.Duration  `json:"timeout,omitempty"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
}

// CreateJob validates the request, computes the first firing time,
// persists the job as active, and places its dispatch on the queue.
func (s *Service) CreateJob(ctx context.Context, owner string, req CreateJobRequest) (*store.Job, error) {
	now := s.clk.Now()
	nextRun, err := s.firstRun(req.Kind, req.Schedule, now)
	if err != nil {
		return nil, err
	}

	job := &store.Job{
		ID:          store.GenNewID(),
		Owner:       owner,
		Name:        req.Name,
		Description: req.Description,
		Kind:        req.Kind,
		Schedule:    req.Schedule,
		NextRun:     &nextRun,
		Payload:     req.Payload,
		Timeout:     s.defaults.Timeout,
		MaxRetries:  s.defaults.MaxRetries,
		Status:      store.StatusActive,
	}
	if req.Timeout != nil {
		job.Timeout = *req.Timeout
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	// Enqueue failure is not fatal: the row is durable and the safety
	// sync will pick it up once due.
	if err := s.sched.ScheduleJob(ctx, job); err != nil {
		slog.Error("initial dispatch enqueue failed", "job", job.ID, "error", err)
	}
	slog.Info("job created",
		"job", job.ID, "owner", owner, "kind", job.Kind, "next_run", nextRun)
	return job, nil
}

// firstRun computes a new job's first firing instant.
func (s *Service) firstRun(kind store.JobKind, sched store.Schedule, now time.Time) (time.Time, error) {
	switch sched.Kind {
	case store.ScheduleImmediate:
		return now, nil
	case store.ScheduleAt:
		if sched.At == nil {
			return time.Time{}, fmt.Errorf("%w: schedule time required", store.ErrInvalidInput)
		}
		at := sched.At.UTC()
		if !at.After(now) {
			return time.Time{}, store.ErrScheduledTimeInPast
		}
		return at, nil
	case store.ScheduleCron:
		if kind != store.KindRecurring {
			return time.Time{}, fmt.Errorf("%w: cron schedule requires a recurring job", store.ErrInvalidInput)
		}
		return s.cron.Next(sched.Expr, now)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown schedule kind %q", store.ErrInvalidInput, sched.Kind)
	}
}

// GetJob returns one of the owner's jobs.
func (s *Service) GetJob(ctx context.Context, owner string, id uuid.UUID) (*store.Job, error) {
	return s.store.GetJob(ctx, owner, id)
}

// ListJobs pages through the owner's jobs.
func (s *Service) ListJobs(ctx context.Context, owner string, filter store.JobFilter, page store.Page) (*store.JobPage, error) {
	return s.store.ListJobs(ctx, owner, filter, page)
}

// UpdateJob applies a patch. A cron change recomputes next_run in the
// same write; schedule or status changes are reflected on the queue.
func (s *Service) UpdateJob(ctx context.Context, owner string, id uuid.UUID, patch store.JobPatch) (*store.Job, error) {
	now := s.clk.Now()
	if patch.CronExpr != nil {
		next, err := s.cron.Next(*patch.CronExpr, now)
		if err != nil {
			return nil, err
		}
		patch.NextRun = &next
	}
	// Reactivating through a patch recomputes the firing time the same
	// way ResumeJob does: the next_run recorded before the pause may be
	// long past.
	if patch.Status != nil && *patch.Status == store.StatusActive && patch.NextRun == nil {
		current, err := s.store.GetJob(ctx, owner, id)
		if err != nil {
			return nil, err
		}
		next, err := s.resumeRun(current, now)
		if err != nil {
			return nil, err
		}
		patch.NextRun = &next
	}

	job, err := s.store.UpdateJob(ctx, owner, id, patch)
	if err != nil {
		return nil, err
	}

	// Keep the queue consistent with the new row. A paused job loses its
	// pending dispatch; an active job with a new firing time gets a fresh
	// one (the stale dispatch is dropped first so the replacement is not
	// rejected as a duplicate).
	switch {
	case patch.Status != nil && *patch.Status == store.StatusPaused:
		if err := s.sched.CancelJob(ctx, job.ID); err != nil {
			slog.Error("cancel dispatch after pause failed", "job", job.ID, "error", err)
		}
	case job.Status == store.StatusActive && (patch.CronExpr != nil || patch.Status != nil):
		if err := s.sched.CancelJob(ctx, job.ID); err != nil {
			slog.Error("cancel stale dispatch failed", "job", job.ID, "error", err)
		}
		if err := s.sched.ScheduleJob(ctx, job); err != nil {
			slog.Error("reschedule after update failed", "job", job.ID, "error", err)
		}
	}
	return job, nil
}

// DeleteJob soft-deletes the job and drops its pending dispatch.
func (s *Service) DeleteJob(ctx context.Context, owner string, id uuid.UUID) error {
	if err := s.store.SoftDeleteJob(ctx, owner, id); err != nil {
		return err
	}
	if err := s.sched.CancelJob(ctx, id); err != nil {
		slog.Error("cancel dispatch after delete failed", "job", id, "error", err)
	}
	slog.Info("job deleted", "job", id, "owner", owner)
	return nil
}

// PauseJob suspends a recurring job and removes its pending dispatch.
// An execution already in flight finishes normally.
func (s *Service) PauseJob(ctx context.Context, owner string, id uuid.UUID) (*store.Job, error) {
	job, err := s.store.Pause(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if err := s.sched.CancelJob(ctx, id); err != nil {
		slog.Error("cancel dispatch after pause failed", "job", id, "error", err)
	}
	slog.Info("job paused", "job", id, "owner", owner)
	return job, nil
}

// ResumeJob reactivates a paused job. next_run is recomputed from now,
// never from the stale value recorded before the pause.
func (s *Service) ResumeJob(ctx context.Context, owner string, id uuid.UUID) (*store.Job, error) {
	now := s.clk.Now()
	current, err := s.store.GetJob(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	nextRun, err := s.resumeRun(current, now)
	if err != nil {
		return nil, err
	}
	job, err := s.store.Resume(ctx, owner, id, nextRun)
	if err != nil {
		return nil, err
	}
	if err := s.sched.ScheduleJob(ctx, job); err != nil {
		slog.Error("enqueue after resume failed", "job", id, "error", err)
	}
	slog.Info("job resumed", "job", id, "owner", owner, "next_run", nextRun)
	return job, nil
}

func (s *Service) resumeRun(job *store.Job, now time.Time) (time.Time, error) {
	if job.Kind == store.KindRecurring {
		return s.cron.Next(job.Schedule.Expr, now)
	}
	// One-time jobs keep their original target when still in the future,
	// otherwise fire immediately.
	if job.NextRun != nil && job.NextRun.After(now) {
		return *job.NextRun, nil
	}
	return now, nil
}

// TriggerJob fires the job immediately at manual priority, regardless
// of its schedule. Colliding with a live dispatch is a no-op.
func (s *Service) TriggerJob(ctx context.Context, owner string, id uuid.UUID) error {
	job, err := s.store.GetJob(ctx, owner, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: cannot trigger %s job", store.ErrForbiddenTransition, job.Status)
	}
	return s.sched.Trigger(ctx, job)
}

// UpcomingJobs lists the owner's jobs firing within the next 24 hours.
func (s *Service) UpcomingJobs(ctx context.Context, owner string) ([]store.Job, error) {
	now := s.clk.Now()
	return s.store.UpcomingJobs(ctx, owner, now.Add(upcomingWindow))
}

// GetExecutions pages through a job's execution history.
func (s *Service) GetExecutions(ctx context.Context, owner string, jobID uuid.UUID, filter store.ExecFilter, page store.Page) (*store.ExecPage, error) {
	return s.store.ListExecutions(ctx, owner, jobID, filter, page)
}

// GetExecution returns one execution.
func (s *Service) GetExecution(ctx context.Context, owner string, execID uuid.UUID) (*store.Execution, error) {
	return s.store.GetExecution(ctx, owner, execID)
}

// GetExecutionLogs returns an execution's log lines in append order.
func (s *Service) GetExecutionLogs(ctx context.Context, owner string, execID uuid.UUID) ([]store.ExecutionLog, error) {
	return s.store.GetExecutionLogs(ctx, owner, execID)
}

// QueueStats reports dispatch queue depth by state.
func (s *Service) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}
