// Package cron evaluates standard 5-field cron expressions in UTC.
// Expressions are parsed by gronx; the evaluator only adds validation
// errors and the strictly-after "next firing" contract.
package cron

import (
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

var (
	// ErrInvalidExpr is returned when an expression fails to parse.
	ErrInvalidExpr = errors.New("invalid cron expression")

	// ErrUnsatisfiable is returned when an expression has no future match.
	ErrUnsatisfiable = errors.New("unsatisfiable schedule")
)

// Evaluator validates cron expressions and computes firing instants.
// The zero value is not usable; construct with New.
type Evaluator struct {
	gx *gronx.Gronx
}

func New() *Evaluator {
	return &Evaluator{gx: gronx.New()}
}

// Validate checks that expr is a parseable 5-field cron expression.
func (e *Evaluator) Validate(expr string) error {
	if expr == "" {
		return fmt.Errorf("%w: empty expression", ErrInvalidExpr)
	}
	if !e.gx.IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrInvalidExpr, expr)
	}
	return nil
}

// Next returns the first firing instant strictly after from, in UTC.
func (e *Evaluator) Next(expr string, from time.Time) (time.Time, error) {
	if err := e.Validate(expr); err != nil {
		return time.Time{}, err
	}
	next, err := gronx.NextTickAfter(expr, from.UTC(), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrUnsatisfiable, expr, err)
	}
	if !next.After(from) {
		return time.Time{}, fmt.Errorf("%w: %q has no match after %s", ErrUnsatisfiable, expr, from.UTC().Format(time.RFC3339))
	}
	return next.UTC(), nil
}
