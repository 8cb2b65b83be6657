package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chronoq/internal/clock"
	"github.com/nextlevelbuilder/chronoq/internal/cron"
	"github.com/nextlevelbuilder/chronoq/internal/notify"
	"github.com/nextlevelbuilder/chronoq/internal/queue"
	"github.com/nextlevelbuilder/chronoq/internal/scheduler"
	"github.com/nextlevelbuilder/chronoq/internal/store"
	"github.com/nextlevelbuilder/chronoq/internal/store/memory"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clk   *clock.Fake
	store *memory.Store
	queue *queue.MemoryQueue
	sink  *notify.MemorySink
	pool  *Pool
}

func newFixture(t *testing.T, logic JobLogic) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	st := memory.New(clk.Now)
	q := queue.NewMemory(clk, time.Minute)
	sink := notify.NewMemorySink()
	sched := scheduler.New(st, q, cron.New(), clk, nil)
	pool := NewPool(Config{Concurrency: 1}, st, q, sched, sink, logic, clk, nil)
	return &fixture{clk: clk, store: st, queue: q, sink: sink, pool: pool}
}

func (f *fixture) addJob(t *testing.T, kind store.JobKind, maxRetries int) *store.Job {
	t.Helper()
	next := t0
	job := &store.Job{
		Owner:      "tenant-a",
		Name:       "work",
		Kind:       kind,
		Schedule:   store.Schedule{Kind: store.ScheduleImmediate},
		NextRun:    &next,
		Payload:    json.RawMessage(`{"task":"x"}`),
		Timeout:    time.Second,
		MaxRetries: maxRetries,
		Status:     store.StatusActive,
	}
	if kind == store.KindRecurring {
		job.Schedule = store.Schedule{Kind: store.ScheduleCron, Expr: "0 * * * *"}
	}
	if err := f.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

// dispatch enqueues and dequeues one item for the job.
func (f *fixture) dispatch(t *testing.T, job *store.Job) *queue.Item {
	t.Helper()
	ctx := context.Background()
	err := f.queue.Enqueue(ctx, queue.Envelope{
		JobID:      job.ID,
		Owner:      job.Owner,
		Name:       job.Name,
		Payload:    job.Payload,
		Timeout:    job.Timeout,
		MaxRetries: job.MaxRetries,
	}, 0, queue.PriorityScheduled)
	if err != nil && !errors.Is(err, queue.ErrAlreadyEnqueued) {
		t.Fatalf("Enqueue: %v", err)
	}
	item, err := f.queue.Dequeue(ctx)
	if err != nil || item == nil {
		t.Fatalf("Dequeue: %v %v", item, err)
	}
	return item
}

func (f *fixture) lastExecution(t *testing.T, job *store.Job) store.Execution {
	t.Helper()
	page, err := f.store.ListExecutions(context.Background(), job.Owner, job.ID, store.ExecFilter{}, store.Page{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatal("no executions recorded")
	}
	return page.Items[0]
}

func okLogic(out string) JobLogic {
	return func(ctx context.Context, run Run) (json.RawMessage, error) {
		return json.RawMessage(out), nil
	}
}

func TestOneTimeSuccessCompletesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, okLogic(`{"ok":true}`))
	job := f.addJob(t, store.KindOneTime, 3)
	item := f.dispatch(t, job)

	f.pool.handle(ctx, slog.Default(), item)

	got, _ := f.store.GetJobByID(ctx, job.ID)
	if got.Status != store.StatusCompleted || got.NextRun != nil {
		t.Errorf("job after success: status=%s next_run=%v", got.Status, got.NextRun)
	}
	if got.LastExecutedAt == nil || !got.LastExecutedAt.Equal(t0) {
		t.Errorf("last_executed_at = %v, want %s", got.LastExecutedAt, t0)
	}
	exec := f.lastExecution(t, job)
	if exec.Status != store.ExecSuccess || exec.RetryAttempt != 0 {
		t.Errorf("execution: %+v", exec)
	}
	if string(exec.Output) != `{"ok":true}` {
		t.Errorf("output = %s", exec.Output)
	}
	if f.queue.HasLive(job.ID) {
		t.Error("dispatch still live after completion")
	}
}

func TestRecurringSuccessReschedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, okLogic(`{}`))
	job := f.addJob(t, store.KindRecurring, 3)
	item := f.dispatch(t, job)

	f.pool.handle(ctx, slog.Default(), item)

	got, _ := f.store.GetJobByID(ctx, job.ID)
	if got.Status != store.StatusActive {
		t.Errorf("recurring job status = %s, want active", got.Status)
	}
	want := t0.Add(time.Hour)
	if got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Errorf("next_run = %v, want %s", got.NextRun, want)
	}
	if !f.queue.HasLive(job.ID) {
		t.Error("no dispatch for the next occurrence")
	}
}

func TestFailRetrySuccessAttemptNumbers(t *testing.T) {
	ctx := context.Background()
	calls := 0
	logic := func(_ context.Context, run Run) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{}`), nil
	}
	f := newFixture(t, logic)
	job := f.addJob(t, store.KindOneTime, 3)

	for i := 0; i < 3; i++ {
		item := f.dispatch(t, job)
		f.pool.handle(ctx, slog.Default(), item)
		// Release the backoff before the next delivery.
		f.clk.Advance(queue.RetryDelay(time.Minute, i+1))
	}

	page, err := f.store.ListExecutions(ctx, job.Owner, job.ID, store.ExecFilter{}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 {
		t.Fatalf("executions = %d, want 3", page.Total)
	}
	// Newest first: attempts 2, 1, 0.
	wantAttempts := []int{2, 1, 0}
	wantStatus := []store.ExecStatus{store.ExecSuccess, store.ExecFailed, store.ExecFailed}
	for i, exec := range page.Items {
		if exec.RetryAttempt != wantAttempts[i] || exec.Status != wantStatus[i] {
			t.Errorf("execution %d: attempt=%d status=%s", i, exec.RetryAttempt, exec.Status)
		}
	}
	got, _ := f.store.GetJobByID(ctx, job.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("job status = %s, want completed", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want reset to 0", got.RetryCount)
	}
	if len(f.sink.Notices()) != 0 {
		t.Errorf("unexpected notifications: %+v", f.sink.Notices())
	}
}

func TestRetriesExhaustedNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	logic := func(_ context.Context, _ Run) (json.RawMessage, error) {
		return nil, errors.New("permanent")
	}
	f := newFixture(t, logic)
	job := f.addJob(t, store.KindOneTime, 2) // 3 delivery attempts

	for i := 0; i < 3; i++ {
		item := f.dispatch(t, job)
		f.pool.handle(ctx, slog.Default(), item)
		f.clk.Advance(queue.RetryDelay(time.Minute, i+1))
	}

	got, _ := f.store.GetJobByID(ctx, job.ID)
	if got.Status != store.StatusFailed || got.NextRun != nil {
		t.Errorf("exhausted job: status=%s next_run=%v", got.Status, got.NextRun)
	}
	// Two retries were scheduled; the final delivery is not a retry.
	if got.RetryCount != job.MaxRetries {
		t.Errorf("retry_count = %d, want %d", got.RetryCount, job.MaxRetries)
	}

	notices := f.sink.Notices()
	if len(notices) != 1 {
		t.Fatalf("notices = %d, want exactly 1", len(notices))
	}
	n := notices[0]
	if n.Type != "job_failure" || n.JobID != job.ID || n.Attempts != 3 || n.Error != "permanent" {
		t.Errorf("notice = %+v", n)
	}
	if f.queue.HasLive(job.ID) {
		t.Error("dispatch still live after exhaustion")
	}
}

func TestNoRetriesFailsWithZeroRetryCount(t *testing.T) {
	ctx := context.Background()
	logic := func(_ context.Context, _ Run) (json.RawMessage, error) {
		return nil, errors.New("permanent")
	}
	f := newFixture(t, logic)
	job := f.addJob(t, store.KindOneTime, 0) // single delivery, no retries
	item := f.dispatch(t, job)

	f.pool.handle(ctx, slog.Default(), item)

	got, _ := f.store.GetJobByID(ctx, job.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("job status = %s, want failed", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 (no retry was ever scheduled)", got.RetryCount)
	}
	if got.RetryCount > got.MaxRetries {
		t.Errorf("retry_count %d exceeds max_retries %d", got.RetryCount, got.MaxRetries)
	}
	notices := f.sink.Notices()
	if len(notices) != 1 || notices[0].Attempts != 1 {
		t.Errorf("notices = %+v, want one with a single attempt", notices)
	}
}

func TestTimeoutRecordedAndRetried(t *testing.T) {
	ctx := context.Background()
	logic := func(runCtx context.Context, _ Run) (json.RawMessage, error) {
		<-runCtx.Done()
		return nil, runCtx.Err()
	}
	f := newFixture(t, logic)
	job := f.addJob(t, store.KindOneTime, 2)
	item := f.dispatch(t, job)

	f.pool.handle(ctx, slog.Default(), item)

	exec := f.lastExecution(t, job)
	if exec.Status != store.ExecTimeout {
		t.Errorf("execution status = %s, want timeout", exec.Status)
	}
	got, _ := f.store.GetJobByID(ctx, job.ID)
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.Status != store.StatusActive {
		t.Errorf("job status = %s, want active (retry pending)", got.Status)
	}
	if !f.queue.HasLive(job.ID) {
		t.Error("no retry dispatch pending")
	}
}

func TestJobGoneAcksWithoutExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, okLogic(`{}`))
	job := f.addJob(t, store.KindOneTime, 3)
	item := f.dispatch(t, job)

	if err := f.store.SoftDeleteJob(ctx, job.Owner, job.ID); err != nil {
		t.Fatal(err)
	}
	f.pool.handle(ctx, slog.Default(), item)

	if f.queue.HasLive(job.ID) {
		t.Error("dispatch not acked for deleted job")
	}
	page, err := f.store.ListExecutions(ctx, job.Owner, job.ID, store.ExecFilter{}, store.Page{})
	if err == nil && page.Total != 0 {
		t.Errorf("execution rows written for a deleted job: %d", page.Total)
	}
}

func TestPausedJobScheduledDispatchSkipped(t *testing.T) {
	ctx := context.Background()
	ran := false
	logic := func(_ context.Context, _ Run) (json.RawMessage, error) {
		ran = true
		return json.RawMessage(`{}`), nil
	}
	f := newFixture(t, logic)
	job := f.addJob(t, store.KindRecurring, 3)
	item := f.dispatch(t, job)
	if _, err := f.store.Pause(ctx, job.Owner, job.ID); err != nil {
		t.Fatal(err)
	}

	f.pool.handle(ctx, slog.Default(), item)

	if ran {
		t.Error("scheduled dispatch executed a paused job")
	}
	if f.queue.HasLive(job.ID) {
		t.Error("skipped dispatch not acked")
	}
}

func TestManualDispatchRunsPausedJob(t *testing.T) {
	ctx := context.Background()
	ran := false
	logic := func(_ context.Context, _ Run) (json.RawMessage, error) {
		ran = true
		return json.RawMessage(`{}`), nil
	}
	f := newFixture(t, logic)
	job := f.addJob(t, store.KindRecurring, 3)
	if _, err := f.store.Pause(ctx, job.Owner, job.ID); err != nil {
		t.Fatal(err)
	}
	err := f.queue.Enqueue(ctx, queue.Envelope{
		JobID: job.ID, Owner: job.Owner, Name: job.Name,
		Timeout: job.Timeout, MaxRetries: job.MaxRetries, Manual: true,
	}, 0, queue.PriorityManual)
	if err != nil {
		t.Fatal(err)
	}
	item, _ := f.queue.Dequeue(ctx)

	f.pool.handle(ctx, slog.Default(), item)

	if !ran {
		t.Error("manual dispatch did not run a paused job")
	}
	got, _ := f.store.GetJobByID(ctx, job.ID)
	if got.Status != store.StatusPaused {
		t.Errorf("paused recurring job transitioned to %s", got.Status)
	}
}
