// Package queue provides the persistent delayed-delivery dispatch queue.
// Items are keyed by job id: at most one dispatch per job is live
// (delayed, waiting, or active) at any moment. That idempotency is the
// single mechanism preventing double-scheduling races between the
// scheduler and the safety sync, and it is what gives per-job ordering.
//
// Delivery is at-least-once: items can be redelivered across worker
// crashes, and consumers must tolerate duplicates.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyEnqueued is returned when a dispatch for the job is
	// already live. Callers treat it as a no-op, not a failure.
	ErrAlreadyEnqueued = errors.New("dispatch already enqueued for job")

	// ErrUnavailable is returned when the queue backend cannot be reached.
	ErrUnavailable = errors.New("queue unavailable")
)

// Priorities. Lower fires first. Manual triggers jump scheduled work.
const (
	PriorityManual    = 1
	PriorityScheduled = 5
)

// Envelope is the denormalized job snapshot carried on a dispatch item.
// It lets a worker start without a store read, but workers re-read the
// authoritative job row before executing: the envelope may be stale.
type Envelope struct {
	JobID      uuid.UUID       `json:"job_id"`
	Owner      string          `json:"owner"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timeout    time.Duration   `json:"timeout"`
	MaxRetries int             `json:"max_retries"`
	Manual     bool            `json:"manual,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Item is one dispatch delivery handed to a worker.
type Item struct {
	ID       string   `json:"id"`
	Envelope Envelope `json:"envelope"`
	Priority int      `json:"priority"`
	// Attempt is the 1-based delivery attempt for this dispatch.
	Attempt int `json:"attempt"`
	// FireAt is the instant the item became (or will become) deliverable.
	FireAt time.Time `json:"fire_at"`
}

// MaxAttempts is the delivery budget for the item: the initial attempt
// plus the job's retries.
func (it *Item) MaxAttempts() int { return it.Envelope.MaxRetries + 1 }

// Stats is the queue depth by state.
type Stats struct {
	Delayed   int64 `json:"delayed"`
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
}

// DispatchQueue is the contract the scheduler and workers share.
type DispatchQueue interface {
	// Enqueue schedules delivery of env after delay at the given
	// priority. Idempotent by job id: returns ErrAlreadyEnqueued when a
	// dispatch for the job is already live.
	Enqueue(ctx context.Context, env Envelope, delay time.Duration, priority int) error

	// Remove drops a pending (delayed or waiting) dispatch for the job.
	// Succeeds whether or not one is present. An active dispatch is left
	// alone: a run already in progress continues to completion.
	Remove(ctx context.Context, jobID uuid.UUID) error

	// Dequeue returns the next deliverable item, or nil when none is due.
	// The item is leased to the caller: a lease that expires without a
	// Complete or Fail makes the item deliverable again.
	Dequeue(ctx context.Context) (*Item, error)

	// Complete acknowledges the item and releases its job key.
	Complete(ctx context.Context, item *Item) error

	// Fail reports a worker failure. When final is false and attempts
	// remain, the item is rescheduled with exponential backoff and Fail
	// returns true. Otherwise the item goes to the dead-letter sink, the
	// job key is released, and Fail returns false.
	Fail(ctx context.Context, item *Item, cause error, final bool) (requeued bool, err error)

	// Stats reports queue depth by state.
	Stats(ctx context.Context) (Stats, error)
}

// Retention policy for finished dispatch records. Independent of the job
// store's execution retention.
const (
	CompletedRetention = 24 * time.Hour
	CompletedKeep      = 100
	DeadRetention      = 7 * 24 * time.Hour
	DeadKeep           = 500
)

// DefaultVisibilityTimeout is the lease granted on dequeue. An active
// item whose lease expires is returned to its waiting list, so a worker
// that dies mid-flight cannot wedge its job. Must exceed the longest
// job timeout plus the drain period.
const DefaultVisibilityTimeout = 90 * time.Minute
