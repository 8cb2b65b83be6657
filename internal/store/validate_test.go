package store

import (
	"errors"
	"testing"
	"time"
)

func validRecurring() *Job {
	next := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return &Job{
		ID:         GenNewID(),
		Owner:      "tenant-a",
		Name:       "daily report",
		Kind:       KindRecurring,
		Schedule:   Schedule{Kind: ScheduleCron, Expr: "0 9 * * *"},
		NextRun:    &next,
		Timeout:    5 * time.Minute,
		MaxRetries: 3,
		Status:     StatusActive,
	}
}

func TestValidateJob(t *testing.T) {
	if err := ValidateJob(validRecurring()); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Job)
	}{
		{"missing owner", func(j *Job) { j.Owner = "" }},
		{"missing name", func(j *Job) { j.Name = "" }},
		{"unknown kind", func(j *Job) { j.Kind = "weekly" }},
		{"timeout too small", func(j *Job) { j.Timeout = 500 * time.Millisecond }},
		{"timeout too large", func(j *Job) { j.Timeout = 2 * time.Hour }},
		{"negative retries", func(j *Job) { j.MaxRetries = -1 }},
		{"retries over cap", func(j *Job) { j.MaxRetries = 11 }},
		{"active without next_run", func(j *Job) { j.NextRun = nil }},
		{"cron on one_time", func(j *Job) { j.Kind = KindOneTime }},
		{"cron without expr", func(j *Job) { j.Schedule.Expr = "" }},
		{"cron with fixed time", func(j *Job) {
			at := time.Now()
			j.Schedule.At = &at
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := validRecurring()
			tc.mutate(j)
			if err := ValidateJob(j); err == nil {
				t.Errorf("expected error, got nil")
			}
		})
	}
}

func TestValidateScheduleKinds(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	if err := validateSchedule(KindOneTime, Schedule{Kind: ScheduleImmediate}); err != nil {
		t.Errorf("immediate one_time rejected: %v", err)
	}
	if err := validateSchedule(KindOneTime, Schedule{Kind: ScheduleAt, At: &now}); err != nil {
		t.Errorf("at one_time rejected: %v", err)
	}
	if err := validateSchedule(KindRecurring, Schedule{Kind: ScheduleImmediate}); err == nil {
		t.Error("immediate recurring accepted")
	}
	if err := validateSchedule(KindRecurring, Schedule{Kind: ScheduleAt, At: &now}); err == nil {
		t.Error("at recurring accepted")
	}
	if err := validateSchedule(KindOneTime, Schedule{Kind: ScheduleCron, Expr: "* * * * *"}); err == nil {
		t.Error("cron one_time accepted")
	}
}

func TestValidatePatch(t *testing.T) {
	j := validRecurring()

	badTimeout := 2 * time.Hour
	if err := ValidatePatch(j, JobPatch{Timeout: &badTimeout}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("oversized timeout: got %v, want ErrInvalidInput", err)
	}

	completed := StatusCompleted
	if err := ValidatePatch(j, JobPatch{Status: &completed}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("status=completed via patch: got %v, want ErrInvalidInput", err)
	}

	j.Status = StatusCompleted
	name := "renamed"
	if err := ValidatePatch(j, JobPatch{Name: &name}); !errors.Is(err, ErrForbiddenTransition) {
		t.Errorf("patch on completed job: got %v, want ErrForbiddenTransition", err)
	}

	one := validRecurring()
	one.Kind = KindOneTime
	one.Schedule = Schedule{Kind: ScheduleImmediate}
	expr := "0 9 * * *"
	if err := ValidatePatch(one, JobPatch{CronExpr: &expr}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("cron patch on one_time job: got %v, want ErrInvalidInput", err)
	}
}

func TestSortColumn(t *testing.T) {
	if got := SortColumn("next_run"); got != SortNextRun {
		t.Errorf("SortColumn(next_run) = %q", got)
	}
	if got := SortColumn("drop table jobs"); got != SortCreatedAt {
		t.Errorf("unknown key: got %q, want created_at", got)
	}
	if got := SortColumn(""); got != SortCreatedAt {
		t.Errorf("empty key: got %q, want created_at", got)
	}
}
