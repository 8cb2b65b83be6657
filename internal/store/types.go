// Package store defines the durable job model and the JobStore contract.
// Implementations live in store/pg (Postgres) and store/memory.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind says whether a job fires once or repeatedly.
type JobKind string

const (
	KindOneTime   JobKind = "one_time"
	KindRecurring JobKind = "recurring"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusActive    JobStatus = "active"
	StatusPaused    JobStatus = "paused"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusDeleted   JobStatus = "deleted"
)

// Terminal reports whether no further transitions are allowed from s,
// other than soft delete.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeleted
}

// Schedulable reports whether a job in this status must carry a next_run.
func (s JobStatus) Schedulable() bool {
	return s == StatusPending || s == StatusActive || s == StatusPaused
}

// ScheduleKind selects the schedule variant.
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleAt        ScheduleKind = "at"
	ScheduleCron      ScheduleKind = "cron"
)

// Schedule is a tagged variant: exactly one of At / Expr is populated,
// matching Kind. "immediate" and "at" pair with one_time jobs, "cron"
// with recurring jobs.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`
	At   *time.Time   `json:"at,omitempty"`
	Expr string       `json:"expr,omitempty"`
}

// Job is a user-declared unit of scheduled work.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	Owner          string          `json:"owner"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Kind           JobKind         `json:"kind"`
	Schedule       Schedule        `json:"schedule"`
	NextRun        *time.Time      `json:"next_run,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timeout        time.Duration   `json:"timeout"`
	MaxRetries     int             `json:"max_retries"`
	Status         JobStatus       `json:"status"`
	RetryCount     int             `json:"retry_count"`
	LastExecutedAt *time.Time      `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// JobPatch holds optional fields for updating a job. Only non-nil fields
// are applied. NextRun is set by the caller when a cron change requires
// an atomic recompute.
type JobPatch struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	CronExpr    *string         `json:"cron_expr,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timeout     *time.Duration  `json:"timeout,omitempty"`
	Status      *JobStatus      `json:"status,omitempty"` // active|paused only
	NextRun     *time.Time      `json:"next_run,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p JobPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.CronExpr == nil &&
		p.Payload == nil && p.Timeout == nil && p.Status == nil && p.NextRun == nil
}

// Sort columns accepted by ListJobs.
const (
	SortCreatedAt = "created_at"
	SortNextRun   = "next_run"
	SortName      = "name"
	SortUpdatedAt = "updated_at"
)

// JobFilter narrows and orders ListJobs results. Zero values mean "any".
type JobFilter struct {
	Status   JobStatus
	Kind     JobKind
	SortBy   string // created_at (default), next_run, name, updated_at
	SortDesc bool
}

// Page is a pagination request. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps a page request to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = 20
	}
	if p.Size > 200 {
		p.Size = 200
	}
	return p
}

// Offset returns the row offset for the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// JobPage is one page of jobs plus pagination info.
type JobPage struct {
	Items []Job `json:"items"`
	Total int   `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}

// ExecStatus is the state of a single execution attempt.
type ExecStatus string

const (
	ExecRunning ExecStatus = "running"
	ExecSuccess ExecStatus = "success"
	ExecFailed  ExecStatus = "failed"
	ExecTimeout ExecStatus = "timeout"
)

// TerminalExec reports whether s is a terminal execution status.
func (s ExecStatus) TerminalExec() bool { return s != ExecRunning }

// Execution is one attempt to run a job. Terminal executions are immutable.
type Execution struct {
	ID           uuid.UUID       `json:"id"`
	JobID        uuid.UUID       `json:"job_id"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Status       ExecStatus      `json:"status"`
	RetryAttempt int             `json:"retry_attempt"`
	DurationMS   *int64          `json:"duration_ms,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
}

// Outcome is the terminal result a worker records for an execution.
type Outcome struct {
	Status     ExecStatus // success, failed, or timeout
	FinishedAt time.Time
	Error      string
	Output     json.RawMessage
}

// ExecFilter narrows ListExecutions. Zero values mean "any".
type ExecFilter struct {
	Status ExecStatus
}

// ExecPage is one page of executions.
type ExecPage struct {
	Items []Execution `json:"items"`
	Total int         `json:"total"`
	Page  int         `json:"page"`
	Size  int         `json:"size"`
}

// LogLevel for execution logs.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// ExecutionLog is one append-only log line bound to an execution.
type ExecutionLog struct {
	ID          uuid.UUID       `json:"id"`
	ExecutionID uuid.UUID       `json:"execution_id"`
	Level       LogLevel        `json:"level" `
	Message     string          `json:"message"`
	Timestamp   time.Time       `json:"timestamp"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Bounds enforced on every job.
const (
	MinTimeout    = 1 * time.Second
	MaxTimeout    = 3600 * time.Second
	MaxMaxRetries = 10
)
