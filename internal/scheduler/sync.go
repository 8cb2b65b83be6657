package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chronoq/internal/queue"
)

// claimBatch caps how many due jobs one sync pass reads.
const claimBatch = 1000

// SyncStats summarizes one safety sync pass.
type SyncStats struct {
	Scanned          int           `json:"scanned"`
	MissedFound      int           `json:"missed_found"`
	AddedToQueue     int           `json:"added_to_queue"`
	FailedToEnqueue  int           `json:"failed_to_enqueue"`
	ExecutionsReaped int64         `json:"executions_reaped"`
	Duration         time.Duration `json:"duration"`
}

// SafetySync periodically re-enqueues active jobs whose next_run has
// passed but whose dispatch is missing from the queue, and closes
// execution rows left running by workers that died. It is the recovery
// path after a queue backend loses state; in steady operation every
// enqueue it attempts hits a live dispatch and is a no-op. Concurrent
// passes are safe for the same reason.
type SafetySync struct {
	sched      *Scheduler
	interval   time.Duration
	staleAfter time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSafetySync creates a sync loop firing every interval. Running
// executions older than staleAfter are finalized as failed on each
// pass; it must exceed the longest job timeout so live runs are never
// touched. Zero values take the defaults.
func NewSafetySync(sched *Scheduler, interval, staleAfter time.Duration) *SafetySync {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = queue.DefaultVisibilityTimeout
	}
	return &SafetySync{sched: sched, interval: interval, staleAfter: staleAfter}
}

// Start launches the background loop. One pass runs immediately.
func (s *SafetySync) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("safety sync already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	slog.Info("safety sync started", "interval", s.interval)
	return nil
}

// Stop terminates the loop and waits for an in-flight pass to finish.
func (s *SafetySync) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.doneChan
	s.mu.Unlock()

	<-done
	slog.Info("safety sync stopped")
}

// SetInterval changes the tick interval. Takes effect on the next tick.
func (s *SafetySync) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

func (s *SafetySync) loop(ctx context.Context) {
	defer close(s.doneChan)

	if _, err := s.RunOnce(ctx); err != nil {
		slog.Error("safety sync pass failed", "error", err)
	}
	for {
		s.mu.Lock()
		interval := s.interval
		s.mu.Unlock()

		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if _, err := s.RunOnce(ctx); err != nil {
				slog.Error("safety sync pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single sync pass: read active jobs with next_run
// in the past, enqueue an immediate dispatch for each, and count how
// many were genuinely missing. Enqueues that hit a live dispatch do not
// count as missed.
func (s *SafetySync) RunOnce(ctx context.Context) (SyncStats, error) {
	sched := s.sched
	start := sched.clk.Now()

	due, err := sched.store.ClaimDueJobs(ctx, claimBatch, start)
	if err != nil {
		return SyncStats{}, err
	}

	var stats SyncStats
	stats.Scanned = len(due)
	for i := range due {
		job := &due[i]
		err := sched.queue.Enqueue(ctx, envelopeFor(job, false, start), 0, queue.PriorityScheduled)
		switch {
		case errors.Is(err, queue.ErrAlreadyEnqueued):
			// Dispatch is live; nothing was lost.
		case err != nil:
			stats.MissedFound++
			stats.FailedToEnqueue++
			slog.Error("safety sync enqueue failed", "job", job.ID, "error", err)
		default:
			stats.MissedFound++
			stats.AddedToQueue++
			slog.Warn("safety sync recovered missed job",
				"job", job.ID, "owner", job.Owner, "next_run", job.NextRun)
		}
	}
	// Close rows orphaned by crashed workers. The cutoff trails the
	// queue's lease, so the dispatch has already been requeued by the
	// time its execution row is reaped.
	cutoff := start.Add(-s.staleAfter)
	reaped, err := sched.store.ReapStaleExecutions(ctx, cutoff)
	if err != nil {
		slog.Error("stale execution reap failed", "error", err)
	} else {
		stats.ExecutionsReaped = reaped
		if reaped > 0 {
			slog.Warn("stale executions reclaimed", "count", reaped)
		}
	}
	stats.Duration = sched.clk.Now().Sub(start)

	if m := sched.metrics; m != nil {
		m.SyncMissedFound.Add(float64(stats.MissedFound))
		m.SyncAddedToQueue.Add(float64(stats.AddedToQueue))
		m.SyncFailedToEnqueue.Add(float64(stats.FailedToEnqueue))
		m.SyncDuration.Observe(stats.Duration.Seconds())
		if qs, err := sched.queue.Stats(ctx); err == nil {
			m.ObserveQueue(qs.Delayed, qs.Waiting, qs.Active, qs.Completed, qs.Dead)
		}
	}
	if stats.MissedFound > 0 {
		slog.Info("safety sync pass",
			"scanned", stats.Scanned, "missed", stats.MissedFound,
			"added", stats.AddedToQueue, "failed", stats.FailedToEnqueue,
			"duration", stats.Duration)
	} else {
		slog.Debug("safety sync pass clean", "scanned", stats.Scanned, "duration", stats.Duration)
	}
	return stats, nil
}
