package store

import "errors"

var (
	// ErrNotFound is returned by owner-scoped lookups that match nothing,
	// including soft-deleted jobs.
	ErrNotFound = errors.New("not found")

	// ErrForbiddenTransition is returned when a lifecycle operation is
	// attempted from a status that does not permit it.
	ErrForbiddenTransition = errors.New("forbidden transition")

	// ErrInvalidInput is returned when a job spec or patch violates a
	// model invariant (schedule/kind mismatch, timeout or retry bounds).
	ErrInvalidInput = errors.New("invalid input")

	// ErrScheduledTimeInPast is returned on create with a fixed time
	// before now.
	ErrScheduledTimeInPast = errors.New("scheduled time in past")

	// ErrConflict is returned when a concurrent update loses.
	ErrConflict = errors.New("conflict")

	// ErrExecutionFinal is returned on an attempt to finalize an
	// execution that already holds a terminal status.
	ErrExecutionFinal = errors.New("execution already finalized")
)
