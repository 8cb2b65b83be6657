package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStore is the authoritative record of jobs, executions, and logs.
// The scheduling core is written against this interface alone; Postgres
// and in-memory implementations satisfy it.
//
// ClaimDueJobs is deliberately non-locking: duplicate enqueue across
// concurrent readers is prevented by the dispatch queue's idempotency
// key, not by a store-level lock.
type JobStore interface {
	// CreateJob persists a fully-populated job (next_run already
	// computed by the caller). Validates model invariants.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob returns an owner-scoped job. Soft-deleted jobs are not found.
	GetJob(ctx context.Context, owner string, id uuid.UUID) (*Job, error)

	// GetJobByID returns a job without owner scoping. Used by workers to
	// re-read the authoritative row before executing. Soft-deleted jobs
	// are not found.
	GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// ListJobs returns a page of the owner's jobs, excluding deleted.
	ListJobs(ctx context.Context, owner string, filter JobFilter, page Page) (*JobPage, error)

	// UpdateJob applies a patch. Rejected on completed or deleted jobs.
	// A patch carrying NextRun applies it in the same write as the rest.
	UpdateJob(ctx context.Context, owner string, id uuid.UUID, patch JobPatch) (*Job, error)

	// SoftDeleteJob marks the job deleted and clears next_run.
	SoftDeleteJob(ctx context.Context, owner string, id uuid.UUID) error

	// Pause transitions active -> paused. Recurring jobs only.
	Pause(ctx context.Context, owner string, id uuid.UUID) (*Job, error)

	// Resume transitions paused -> active and stores the recomputed
	// next_run supplied by the caller.
	Resume(ctx context.Context, owner string, id uuid.UUID, nextRun time.Time) (*Job, error)

	// ClaimDueJobs reads active jobs with next_run <= horizon, ordered by
	// next_run ascending, capped at limit. Non-locking.
	ClaimDueJobs(ctx context.Context, limit int, horizon time.Time) ([]Job, error)

	// UpcomingJobs returns the owner's schedulable jobs firing before until,
	// ordered by next_run ascending.
	UpcomingJobs(ctx context.Context, owner string, until time.Time) ([]Job, error)

	// BeginExecution inserts a new running execution row.
	BeginExecution(ctx context.Context, jobID uuid.UUID, retryAttempt int, startedAt time.Time) (*Execution, error)

	// FinalizeExecution writes the terminal status, finished_at, duration,
	// error, and output in one atomic update. Terminal executions are
	// immutable; a second finalize returns ErrExecutionFinal.
	FinalizeExecution(ctx context.Context, execID uuid.UUID, outcome Outcome) error

	// SetNextRun updates a job's authoritative firing time.
	SetNextRun(ctx context.Context, jobID uuid.UUID, next time.Time) error

	// MarkLastExecuted records a successful run: sets last_executed_at to
	// the execution's start instant and resets retry_count.
	MarkLastExecuted(ctx context.Context, jobID uuid.UUID, startedAt time.Time) error

	// MarkCompleted finishes a one_time job: status completed, next_run cleared.
	MarkCompleted(ctx context.Context, jobID uuid.UUID) error

	// MarkFailed records retries exhausted: status failed, next_run cleared.
	MarkFailed(ctx context.Context, jobID uuid.UUID) error

	// IncrementRetryCount bumps the consecutive-failure counter and
	// returns the new value.
	IncrementRetryCount(ctx context.Context, jobID uuid.UUID) (int, error)

	// AppendLog adds one log line to an execution's history.
	AppendLog(ctx context.Context, execID uuid.UUID, level LogLevel, message string, metadata json.RawMessage) error

	// ListExecutions pages through a job's execution history, newest first.
	ListExecutions(ctx context.Context, owner string, jobID uuid.UUID, filter ExecFilter, page Page) (*ExecPage, error)

	// GetExecution returns one execution, owner-scoped through its job.
	GetExecution(ctx context.Context, owner string, execID uuid.UUID) (*Execution, error)

	// GetExecutionLogs returns an execution's logs in append order.
	GetExecutionLogs(ctx context.Context, owner string, execID uuid.UUID) ([]ExecutionLog, error)

	// PruneHistory evicts finished executions older than execBefore and
	// logs older than logBefore. Live job state is never touched.
	PruneHistory(ctx context.Context, execBefore, logBefore time.Time) (executions int64, logs int64, err error)

	// ReapStaleExecutions finalizes running executions that started
	// before cutoff as failed. A worker that dies mid-run never
	// finalizes its row; the safety sync calls this to close them.
	ReapStaleExecutions(ctx context.Context, cutoff time.Time) (int64, error)
}

// StaleExecutionError is the error message written on executions
// reclaimed after their worker disappeared.
const StaleExecutionError = "worker lost before reporting a result"
