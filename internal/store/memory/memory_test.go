package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chronoq/internal/clock"
	"github.com/nextlevelbuilder/chronoq/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newStore() (*Store, *clock.Fake) {
	clk := clock.NewFake(t0)
	return New(clk.Now), clk
}

func mkJob(t *testing.T, s *Store, owner, name string) *store.Job {
	t.Helper()
	next := t0.Add(time.Hour)
	job := &store.Job{
		Owner:      owner,
		Name:       name,
		Kind:       store.KindRecurring,
		Schedule:   store.Schedule{Kind: store.ScheduleCron, Expr: "0 * * * *"},
		NextRun:    &next,
		Timeout:    time.Minute,
		MaxRetries: 3,
		Status:     store.StatusActive,
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestOwnerScoping(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	job := mkJob(t, s, "tenant-a", "report")

	if _, err := s.GetJob(ctx, "tenant-a", job.ID); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := s.GetJob(ctx, "tenant-b", job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cross-tenant read: got %v, want ErrNotFound", err)
	}
	if _, err := s.GetJobByID(ctx, job.ID); err != nil {
		t.Errorf("unscoped read: %v", err)
	}
}

func TestSoftDeleteHidesJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	job := mkJob(t, s, "tenant-a", "report")

	if err := s.SoftDeleteJob(ctx, "tenant-a", job.ID); err != nil {
		t.Fatalf("SoftDeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, "tenant-a", job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted job visible: %v", err)
	}
	if _, err := s.GetJobByID(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted job visible by id: %v", err)
	}
	res, err := s.ListJobs(ctx, "tenant-a", store.JobFilter{}, store.Page{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if res.Total != 0 {
		t.Errorf("deleted job listed, total = %d", res.Total)
	}
	// Delete twice.
	if err := s.SoftDeleteJob(ctx, "tenant-a", job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestPauseResumeTransitions(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	job := mkJob(t, s, "tenant-a", "report")

	paused, err := s.Pause(ctx, "tenant-a", job.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != store.StatusPaused {
		t.Errorf("status after pause = %s", paused.Status)
	}
	// Pause is not idempotent: paused -> paused is forbidden.
	if _, err := s.Pause(ctx, "tenant-a", job.ID); !errors.Is(err, store.ErrForbiddenTransition) {
		t.Errorf("double pause: got %v, want ErrForbiddenTransition", err)
	}

	next := t0.Add(2 * time.Hour)
	resumed, err := s.Resume(ctx, "tenant-a", job.ID, next)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != store.StatusActive {
		t.Errorf("status after resume = %s", resumed.Status)
	}
	if resumed.NextRun == nil || !resumed.NextRun.Equal(next) {
		t.Errorf("next_run after resume = %v, want %s", resumed.NextRun, next)
	}
	if _, err := s.Resume(ctx, "tenant-a", job.ID, next); !errors.Is(err, store.ErrForbiddenTransition) {
		t.Errorf("resume active job: got %v, want ErrForbiddenTransition", err)
	}
}

func TestPauseOneTimeForbidden(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	next := t0.Add(time.Hour)
	job := &store.Job{
		Owner:      "tenant-a",
		Name:       "once",
		Kind:       store.KindOneTime,
		Schedule:   store.Schedule{Kind: store.ScheduleAt, At: &next},
		NextRun:    &next,
		Timeout:    time.Minute,
		MaxRetries: 0,
		Status:     store.StatusActive,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.Pause(ctx, "tenant-a", job.ID); !errors.Is(err, store.ErrForbiddenTransition) {
		t.Errorf("pause one_time: got %v, want ErrForbiddenTransition", err)
	}
}

func TestTerminalTransitionsForbidden(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	job := mkJob(t, s, "tenant-a", "report")

	if err := s.MarkFailed(ctx, job.ID); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := s.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if got.Status != store.StatusFailed || got.NextRun != nil {
		t.Errorf("after MarkFailed: status=%s next_run=%v", got.Status, got.NextRun)
	}
	if err := s.MarkCompleted(ctx, job.ID); !errors.Is(err, store.ErrForbiddenTransition) {
		t.Errorf("complete failed job: got %v, want ErrForbiddenTransition", err)
	}
	// Soft delete stays allowed from terminal states.
	if err := s.SoftDeleteJob(ctx, "tenant-a", job.ID); err != nil {
		t.Errorf("delete failed job: %v", err)
	}
}

func TestUpdateJobPatch(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore()
	job := mkJob(t, s, "tenant-a", "report")

	clk.Advance(time.Minute)
	name := "renamed"
	expr := "*/10 * * * *"
	next := t0.Add(10 * time.Minute)
	updated, err := s.UpdateJob(ctx, "tenant-a", job.ID, store.JobPatch{
		Name:     &name,
		CronExpr: &expr,
		NextRun:  &next,
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.Name != name || updated.Schedule.Expr != expr {
		t.Errorf("patch not applied: %+v", updated)
	}
	if updated.NextRun == nil || !updated.NextRun.Equal(next) {
		t.Errorf("next_run = %v, want %s", updated.NextRun, next)
	}
	if !updated.UpdatedAt.After(job.CreatedAt) {
		t.Errorf("updated_at not advanced")
	}
}

func TestListJobsFilterSortPaginate(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore()
	for i := 0; i < 5; i++ {
		mkJob(t, s, "tenant-a", fmt.Sprintf("job-%d", i))
		clk.Advance(time.Second)
	}
	mkJob(t, s, "tenant-b", "other-tenant")
	paused := mkJob(t, s, "tenant-a", "paused-one")
	if _, err := s.Pause(ctx, "tenant-a", paused.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	res, err := s.ListJobs(ctx, "tenant-a", store.JobFilter{Status: store.StatusActive}, store.Page{Size: 3})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if res.Total != 5 || len(res.Items) != 3 {
		t.Fatalf("page 1: total=%d len=%d, want 5/3", res.Total, len(res.Items))
	}

	res2, err := s.ListJobs(ctx, "tenant-a", store.JobFilter{Status: store.StatusActive}, store.Page{Number: 2, Size: 3})
	if err != nil {
		t.Fatalf("ListJobs page 2: %v", err)
	}
	if len(res2.Items) != 2 {
		t.Fatalf("page 2 len=%d, want 2", len(res2.Items))
	}
	seen := map[string]bool{}
	for _, j := range append(res.Items, res2.Items...) {
		if seen[j.ID.String()] {
			t.Errorf("job %s repeated across pages", j.ID)
		}
		seen[j.ID.String()] = true
	}

	byName, err := s.ListJobs(ctx, "tenant-a", store.JobFilter{SortBy: store.SortName, SortDesc: true}, store.Page{})
	if err != nil {
		t.Fatalf("ListJobs by name: %v", err)
	}
	for i := 1; i < len(byName.Items); i++ {
		if byName.Items[i-1].Name < byName.Items[i].Name {
			t.Errorf("not sorted desc by name: %q before %q", byName.Items[i-1].Name, byName.Items[i].Name)
		}
	}
}

func TestClaimDueJobs(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()

	due := mkJob(t, s, "tenant-a", "due")
	if err := s.SetNextRun(ctx, due.ID, t0.Add(-time.Minute)); err != nil {
		t.Fatalf("SetNextRun: %v", err)
	}
	mkJob(t, s, "tenant-a", "future") // next_run an hour out

	pausedJob := mkJob(t, s, "tenant-a", "paused")
	if err := s.SetNextRun(ctx, pausedJob.ID, t0.Add(-time.Minute)); err != nil {
		t.Fatalf("SetNextRun: %v", err)
	}
	if _, err := s.Pause(ctx, "tenant-a", pausedJob.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	claimed, err := s.ClaimDueJobs(ctx, 1000, t0)
	if err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("claimed %d jobs, want only the due active one", len(claimed))
	}
}

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore()
	job := mkJob(t, s, "tenant-a", "report")

	exec, err := s.BeginExecution(ctx, job.ID, 0, clk.Now())
	if err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}
	if exec.Status != store.ExecRunning || exec.RetryAttempt != 0 {
		t.Fatalf("fresh execution: %+v", exec)
	}

	if err := s.AppendLog(ctx, exec.ID, store.LevelInfo, "started", nil); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	clk.Advance(1500 * time.Millisecond)
	out := []byte(`{"rows":42}`)
	err = s.FinalizeExecution(ctx, exec.ID, store.Outcome{
		Status:     store.ExecSuccess,
		FinishedAt: clk.Now(),
		Output:     out,
	})
	if err != nil {
		t.Fatalf("FinalizeExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, "tenant-a", exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != store.ExecSuccess {
		t.Errorf("status = %s", got.Status)
	}
	if got.DurationMS == nil || *got.DurationMS != 1500 {
		t.Errorf("duration = %v, want 1500", got.DurationMS)
	}

	// Terminal executions are immutable.
	err = s.FinalizeExecution(ctx, exec.ID, store.Outcome{Status: store.ExecFailed, FinishedAt: clk.Now()})
	if !errors.Is(err, store.ErrExecutionFinal) {
		t.Errorf("second finalize: got %v, want ErrExecutionFinal", err)
	}

	logs, err := s.GetExecutionLogs(ctx, "tenant-a", exec.ID)
	if err != nil {
		t.Fatalf("GetExecutionLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "started" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestMarkLastExecutedResetsRetryCount(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore()
	job := mkJob(t, s, "tenant-a", "report")

	for i := 0; i < 2; i++ {
		if _, err := s.IncrementRetryCount(ctx, job.ID); err != nil {
			t.Fatalf("IncrementRetryCount: %v", err)
		}
	}
	started := clk.Now()
	if err := s.MarkLastExecuted(ctx, job.ID, started); err != nil {
		t.Fatalf("MarkLastExecuted: %v", err)
	}
	got, _ := s.GetJobByID(ctx, job.ID)
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", got.RetryCount)
	}
	if got.LastExecutedAt == nil || !got.LastExecutedAt.Equal(started) {
		t.Errorf("last_executed_at = %v, want %s", got.LastExecutedAt, started)
	}
}

func TestReapStaleExecutions(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore()
	job := mkJob(t, s, "tenant-a", "report")

	orphan, _ := s.BeginExecution(ctx, job.ID, 0, clk.Now())
	done, _ := s.BeginExecution(ctx, job.ID, 0, clk.Now())
	s.FinalizeExecution(ctx, done.ID, store.Outcome{Status: store.ExecSuccess, FinishedAt: clk.Now()})

	clk.Advance(2 * time.Hour)
	fresh, _ := s.BeginExecution(ctx, job.ID, 1, clk.Now())

	n, err := s.ReapStaleExecutions(ctx, clk.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ReapStaleExecutions: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want only the orphaned row", n)
	}
	got, _ := s.GetExecution(ctx, "tenant-a", orphan.ID)
	if got.Status != store.ExecFailed || got.ErrorMessage != store.StaleExecutionError {
		t.Errorf("orphan after reap: %+v", got)
	}
	if got.FinishedAt == nil || got.DurationMS == nil {
		t.Errorf("orphan not fully finalized: %+v", got)
	}
	// The finished row keeps its outcome; the recent row stays running.
	if got, _ := s.GetExecution(ctx, "tenant-a", done.ID); got.Status != store.ExecSuccess {
		t.Errorf("finished execution rewritten: %+v", got)
	}
	if got, _ := s.GetExecution(ctx, "tenant-a", fresh.ID); got.Status != store.ExecRunning {
		t.Errorf("fresh execution reaped: %+v", got)
	}
}

func TestPruneHistory(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore()
	job := mkJob(t, s, "tenant-a", "report")

	old, _ := s.BeginExecution(ctx, job.ID, 0, clk.Now())
	s.AppendLog(ctx, old.ID, store.LevelInfo, "old line", nil)
	s.FinalizeExecution(ctx, old.ID, store.Outcome{Status: store.ExecSuccess, FinishedAt: clk.Now()})

	clk.Advance(48 * time.Hour)
	fresh, _ := s.BeginExecution(ctx, job.ID, 0, clk.Now())
	s.AppendLog(ctx, fresh.ID, store.LevelInfo, "fresh line", nil)
	s.FinalizeExecution(ctx, fresh.ID, store.Outcome{Status: store.ExecSuccess, FinishedAt: clk.Now()})

	execs, logs, err := s.PruneHistory(ctx, clk.Now().Add(-24*time.Hour), clk.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if execs != 1 || logs != 1 {
		t.Errorf("pruned execs=%d logs=%d, want 1/1", execs, logs)
	}
	if _, err := s.GetExecution(ctx, "tenant-a", old.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old execution survived prune: %v", err)
	}
	if _, err := s.GetExecution(ctx, "tenant-a", fresh.ID); err != nil {
		t.Errorf("fresh execution pruned: %v", err)
	}
}
