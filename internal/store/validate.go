package store

import (
	"fmt"
	"time"
)

// ValidateJob checks the model invariants every persisted job must hold.
// Backends call this before insert; the control surface calls it again
// after applying defaults so bad specs never reach a backend.
func ValidateJob(j *Job) error {
	if j.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if j.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if j.Kind != KindOneTime && j.Kind != KindRecurring {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, j.Kind)
	}
	if err := validateSchedule(j.Kind, j.Schedule); err != nil {
		return err
	}
	if j.Timeout < MinTimeout || j.Timeout > MaxTimeout {
		return fmt.Errorf("%w: timeout %s outside [%s, %s]", ErrInvalidInput, j.Timeout, MinTimeout, MaxTimeout)
	}
	if j.MaxRetries < 0 || j.MaxRetries > MaxMaxRetries {
		return fmt.Errorf("%w: max_retries %d outside [0, %d]", ErrInvalidInput, j.MaxRetries, MaxMaxRetries)
	}
	if j.Status.Schedulable() && j.NextRun == nil {
		return fmt.Errorf("%w: next_run required while status is %s", ErrInvalidInput, j.Status)
	}
	return nil
}

// validateSchedule enforces schedule/kind compatibility: exactly one
// variant populated, and the variant legal for the kind.
func validateSchedule(kind JobKind, s Schedule) error {
	switch s.Kind {
	case ScheduleImmediate:
		if kind != KindOneTime {
			return fmt.Errorf("%w: immediate schedule requires one_time kind", ErrInvalidInput)
		}
		if s.At != nil || s.Expr != "" {
			return fmt.Errorf("%w: immediate schedule carries no time or expression", ErrInvalidInput)
		}
	case ScheduleAt:
		if kind != KindOneTime {
			return fmt.Errorf("%w: fixed-time schedule requires one_time kind", ErrInvalidInput)
		}
		if s.At == nil {
			return fmt.Errorf("%w: fixed-time schedule requires at", ErrInvalidInput)
		}
		if s.Expr != "" {
			return fmt.Errorf("%w: fixed-time schedule carries no expression", ErrInvalidInput)
		}
	case ScheduleCron:
		if kind != KindRecurring {
			return fmt.Errorf("%w: cron schedule requires recurring kind", ErrInvalidInput)
		}
		if s.Expr == "" {
			return fmt.Errorf("%w: cron schedule requires expr", ErrInvalidInput)
		}
		if s.At != nil {
			return fmt.Errorf("%w: cron schedule carries no fixed time", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidInput, s.Kind)
	}
	return nil
}

// ValidatePatch checks a patch against the job it would apply to.
func ValidatePatch(j *Job, p JobPatch) error {
	if j.Status == StatusCompleted || j.Status == StatusDeleted {
		return fmt.Errorf("%w: cannot update %s job", ErrForbiddenTransition, j.Status)
	}
	if p.CronExpr != nil && j.Kind != KindRecurring {
		return fmt.Errorf("%w: cron expression only valid for recurring jobs", ErrInvalidInput)
	}
	if p.Timeout != nil && (*p.Timeout < MinTimeout || *p.Timeout > MaxTimeout) {
		return fmt.Errorf("%w: timeout %s outside [%s, %s]", ErrInvalidInput, *p.Timeout, MinTimeout, MaxTimeout)
	}
	if p.Status != nil && *p.Status != StatusActive && *p.Status != StatusPaused {
		return fmt.Errorf("%w: status may only be set to active or paused", ErrInvalidInput)
	}
	return nil
}

// SortColumn maps a JobFilter sort key to a known column, defaulting to
// created_at. Unknown keys never reach SQL.
func SortColumn(key string) string {
	switch key {
	case SortNextRun, SortName, SortUpdatedAt, SortCreatedAt:
		return key
	default:
		return SortCreatedAt
	}
}

// DurationMSBetween returns whole milliseconds between start and end.
func DurationMSBetween(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}
