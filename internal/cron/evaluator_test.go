package cron

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	ev := New()

	valid := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 9 * * 1-5",
		"30 2 1 * *",
		"0 0 * * SUN",
		"15 14 1 JAN *",
		"0 12 ? * MON-FRI",
	}
	for _, expr := range valid {
		if err := ev.Validate(expr); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", expr, err)
		}
	}

	invalid := []string{
		"",
		"not a cron",
		"61 * * * *",
		"* * * *",
		"* 25 * * *",
	}
	for _, expr := range invalid {
		err := ev.Validate(expr)
		if !errors.Is(err, ErrInvalidExpr) {
			t.Errorf("Validate(%q) = %v, want ErrInvalidExpr", expr, err)
		}
	}
}

func TestNextStrictlyAfter(t *testing.T) {
	ev := New()
	from := time.Date(2025, 6, 1, 12, 2, 30, 0, time.UTC)

	next, err := ev.Next("*/5 * * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %s, want %s", next, want)
	}
}

func TestNextOnExactBoundary(t *testing.T) {
	ev := New()
	// from sits exactly on a firing instant; "strictly after" must skip it.
	from := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)

	next, err := ev.Next("*/5 * * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %s, want %s", next, want)
	}
}

func TestNextReturnsUTC(t *testing.T) {
	ev := New()
	loc := time.FixedZone("UTC+7", 7*3600)
	from := time.Date(2025, 6, 1, 19, 0, 30, 0, loc) // 12:00:30 UTC

	next, err := ev.Next("* * * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next.Location() != time.UTC {
		t.Errorf("Next location = %v, want UTC", next.Location())
	}
	want := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %s, want %s", next, want)
	}
}

func TestNextInvalidExpr(t *testing.T) {
	ev := New()
	if _, err := ev.Next("bogus", time.Now()); !errors.Is(err, ErrInvalidExpr) {
		t.Errorf("Next(bogus) = %v, want ErrInvalidExpr", err)
	}
}
