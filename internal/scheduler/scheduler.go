// Package scheduler places job dispatches onto the queue and runs the
// safety sync that recovers dispatches the queue has lost. It never
// executes jobs itself; workers consume what it enqueues.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronoq/internal/clock"
	"github.com/nextlevelbuilder/chronoq/internal/cron"
	"github.com/nextlevelbuilder/chronoq/internal/metrics"
	"github.com/nextlevelbuilder/chronoq/internal/queue"
	"github.com/nextlevelbuilder/chronoq/internal/store"
)

// Scheduler translates job state into queue dispatches. All methods are
// idempotent with respect to the queue: a live dispatch for a job is
// never duplicated.
type Scheduler struct {
	store   store.JobStore
	queue   queue.DispatchQueue
	cron    *cron.Evaluator
	clk     clock.Clock
	metrics *metrics.Metrics
}

// New wires a scheduler. metrics may be nil.
func New(st store.JobStore, q queue.DispatchQueue, ev *cron.Evaluator, clk clock.Clock, m *metrics.Metrics) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Scheduler{store: st, queue: q, cron: ev, clk: clk, metrics: m}
}

func envelopeFor(job *store.Job, manual bool, now time.Time) queue.Envelope {
	return queue.Envelope{
		JobID:      job.ID,
		Owner:      job.Owner,
		Name:       job.Name,
		Payload:    job.Payload,
		Timeout:    job.Timeout,
		MaxRetries: job.MaxRetries,
		Manual:     manual,
		EnqueuedAt: now,
	}
}

// ScheduleJob enqueues a dispatch firing at the job's next_run. A job
// whose next_run is already past fires immediately. A live dispatch for
// the job makes this a no-op.
func (s *Scheduler) ScheduleJob(ctx context.Context, job *store.Job) error {
	if job.NextRun == nil {
		return fmt.Errorf("job %s has no next run", job.ID)
	}
	now := s.clk.Now()
	delay := job.NextRun.Sub(now)
	if delay < 0 {
		delay = 0
	}
	err := s.queue.Enqueue(ctx, envelopeFor(job, false, now), delay, queue.PriorityScheduled)
	if errors.Is(err, queue.ErrAlreadyEnqueued) {
		slog.Debug("dispatch already live", "job", job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	slog.Info("job scheduled", "job", job.ID, "owner", job.Owner, "fire_in", delay)
	return nil
}

// CancelJob drops the job's pending dispatch, if any. An active
// dispatch is left to finish.
func (s *Scheduler) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	if err := s.queue.Remove(ctx, jobID); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

// Trigger enqueues an immediate manual dispatch ahead of scheduled
// work. Colliding with a live dispatch is a silent no-op.
func (s *Scheduler) Trigger(ctx context.Context, job *store.Job) error {
	now := s.clk.Now()
	err := s.queue.Enqueue(ctx, envelopeFor(job, true, now), 0, queue.PriorityManual)
	if errors.Is(err, queue.ErrAlreadyEnqueued) {
		slog.Debug("manual trigger ignored, dispatch already live", "job", job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("trigger job %s: %w", job.ID, err)
	}
	slog.Info("job triggered", "job", job.ID, "owner", job.Owner)
	return nil
}

// Reschedule advances a recurring job past a completed run: computes
// the next occurrence, persists it as the authoritative next_run, then
// enqueues the dispatch. Store write first, so a crash between the two
// leaves a row the safety sync will pick up.
func (s *Scheduler) Reschedule(ctx context.Context, job *store.Job) error {
	if job.Kind != store.KindRecurring {
		return fmt.Errorf("job %s is not recurring", job.ID)
	}
	now := s.clk.Now()
	next, err := s.cron.Next(job.Schedule.Expr, now)
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}
	if err := s.store.SetNextRun(ctx, job.ID, next); err != nil {
		return fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}
	job.NextRun = &next
	return s.ScheduleJob(ctx, job)
}
