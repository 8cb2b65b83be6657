// Package notify carries terminal-failure notifications out of the core.
// Delivery is fire-and-forget; the actual transport (email, chat) is an
// external collaborator consuming the notification queue.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FailureNotice is emitted after a job exhausts its retries.
type FailureNotice struct {
	Type      string    `json:"type"` // always "job_failure"
	JobID     uuid.UUID `json:"job_id"`
	JobName   string    `json:"job_name"`
	Owner     string    `json:"owner"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// NewFailureNotice builds a notice with the type tag set.
func NewFailureNotice(jobID uuid.UUID, name, owner, errMsg string, attempts int, at time.Time) FailureNotice {
	return FailureNotice{
		Type:      "job_failure",
		JobID:     jobID,
		JobName:   name,
		Owner:     owner,
		Error:     errMsg,
		Attempts:  attempts,
		Timestamp: at,
	}
}

// Sink accepts failure notices. Emit must not block on downstream
// transport and its errors are logged, never propagated to job state.
type Sink interface {
	Emit(ctx context.Context, notice FailureNotice) error
}
