// Package memory is an in-memory JobStore used by tests and by
// standalone (single-process) deployments that do not carry Postgres.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronoq/internal/store"
)

// Store holds all state behind one mutex. Copies in, copies out: callers
// never see internal pointers.
type Store struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*store.Job
	execs map[uuid.UUID]*store.Execution
	logs  map[uuid.UUID][]store.ExecutionLog // execution id -> append-order lines
	now   func() time.Time
}

// New creates an empty store. nowFn stamps created_at/updated_at; pass
// the injected clock's Now in tests, or nil for wall time.
func New(nowFn func() time.Time) *Store {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		jobs:  make(map[uuid.UUID]*store.Job),
		execs: make(map[uuid.UUID]*store.Execution),
		logs:  make(map[uuid.UUID][]store.ExecutionLog),
		now:   nowFn,
	}
}

func (s *Store) CreateJob(_ context.Context, job *store.Job) error {
	if err := store.ValidateJob(job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = store.GenNewID()
	}
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now

	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, owner string, id uuid.UUID) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Owner != owner || j.Status == store.StatusDeleted {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) GetJobByID(_ context.Context, id uuid.UUID) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status == store.StatusDeleted {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) ListJobs(_ context.Context, owner string, filter store.JobFilter, page store.Page) (*store.JobPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []store.Job
	for _, j := range s.jobs {
		if j.Owner != owner || j.Status == store.StatusDeleted {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		matched = append(matched, *j)
	}

	sortJobs(matched, store.SortColumn(filter.SortBy), filter.SortDesc)

	page = page.Normalize()
	total := len(matched)
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	return &store.JobPage{Items: matched[start:end], Total: total, Page: page.Number, Size: page.Size}, nil
}

func sortJobs(jobs []store.Job, col string, desc bool) {
	less := func(a, b store.Job) bool {
		switch col {
		case store.SortNextRun:
			at, bt := timeOrZero(a.NextRun), timeOrZero(b.NextRun)
			if !at.Equal(bt) {
				return at.Before(bt)
			}
		case store.SortName:
			if a.Name != b.Name {
				return strings.ToLower(a.Name) < strings.ToLower(b.Name)
			}
		case store.SortUpdatedAt:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		}
		// Stable tie-break so pagination never repeats rows.
		return a.ID.String() < b.ID.String()
	}
	sort.Slice(jobs, func(i, k int) bool {
		if desc {
			return less(jobs[k], jobs[i])
		}
		return less(jobs[i], jobs[k])
	})
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (s *Store) UpdateJob(_ context.Context, owner string, id uuid.UUID, patch store.JobPatch) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Owner != owner || j.Status == store.StatusDeleted {
		return nil, store.ErrNotFound
	}
	if err := store.ValidatePatch(j, patch); err != nil {
		return nil, err
	}

	if patch.Name != nil {
		j.Name = *patch.Name
	}
	if patch.Description != nil {
		j.Description = *patch.Description
	}
	if patch.CronExpr != nil {
		j.Schedule.Expr = *patch.CronExpr
	}
	if patch.Payload != nil {
		j.Payload = patch.Payload
	}
	if patch.Timeout != nil {
		j.Timeout = *patch.Timeout
	}
	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.NextRun != nil {
		t := patch.NextRun.UTC()
		j.NextRun = &t
	}
	j.UpdatedAt = s.now()

	cp := *j
	return &cp, nil
}

func (s *Store) SoftDeleteJob(_ context.Context, owner string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Owner != owner || j.Status == store.StatusDeleted {
		return store.ErrNotFound
	}
	j.Status = store.StatusDeleted
	j.NextRun = nil
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) Pause(_ context.Context, owner string, id uuid.UUID) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Owner != owner || j.Status == store.StatusDeleted {
		return nil, store.ErrNotFound
	}
	if j.Status != store.StatusActive || j.Kind != store.KindRecurring {
		return nil, store.ErrForbiddenTransition
	}
	j.Status = store.StatusPaused
	j.UpdatedAt = s.now()
	cp := *j
	return &cp, nil
}

func (s *Store) Resume(_ context.Context, owner string, id uuid.UUID, nextRun time.Time) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Owner != owner || j.Status == store.StatusDeleted {
		return nil, store.ErrNotFound
	}
	if j.Status != store.StatusPaused {
		return nil, store.ErrForbiddenTransition
	}
	t := nextRun.UTC()
	j.Status = store.StatusActive
	j.NextRun = &t
	j.UpdatedAt = s.now()
	cp := *j
	return &cp, nil
}

func (s *Store) ClaimDueJobs(_ context.Context, limit int, horizon time.Time) ([]store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []store.Job
	for _, j := range s.jobs {
		if j.Status != store.StatusActive || j.NextRun == nil {
			continue
		}
		if j.NextRun.After(horizon) {
			continue
		}
		due = append(due, *j)
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextRun.Before(*due[k].NextRun) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) UpcomingJobs(_ context.Context, owner string, until time.Time) ([]store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var up []store.Job
	for _, j := range s.jobs {
		if j.Owner != owner || !j.Status.Schedulable() || j.NextRun == nil {
			continue
		}
		if j.NextRun.After(until) {
			continue
		}
		up = append(up, *j)
	}
	sort.Slice(up, func(i, k int) bool { return up[i].NextRun.Before(*up[k].NextRun) })
	return up, nil
}

func (s *Store) BeginExecution(_ context.Context, jobID uuid.UUID, retryAttempt int, startedAt time.Time) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, store.ErrNotFound
	}
	exec := &store.Execution{
		ID:           store.GenNewID(),
		JobID:        jobID,
		StartedAt:    startedAt.UTC(),
		Status:       store.ExecRunning,
		RetryAttempt: retryAttempt,
	}
	s.execs[exec.ID] = exec
	cp := *exec
	return &cp, nil
}

func (s *Store) FinalizeExecution(_ context.Context, execID uuid.UUID, outcome store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[execID]
	if !ok {
		return store.ErrNotFound
	}
	if e.Status.TerminalExec() {
		return store.ErrExecutionFinal
	}
	if !outcome.Status.TerminalExec() {
		return store.ErrInvalidInput
	}
	finished := outcome.FinishedAt.UTC()
	dur := store.DurationMSBetween(e.StartedAt, finished)
	e.Status = outcome.Status
	e.FinishedAt = &finished
	e.DurationMS = &dur
	e.ErrorMessage = outcome.Error
	e.Output = outcome.Output
	return nil
}

func (s *Store) SetNextRun(_ context.Context, jobID uuid.UUID, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status == store.StatusDeleted {
		return store.ErrNotFound
	}
	t := next.UTC()
	j.NextRun = &t
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) MarkLastExecuted(_ context.Context, jobID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status == store.StatusDeleted {
		return store.ErrNotFound
	}
	t := startedAt.UTC()
	j.LastExecutedAt = &t
	j.RetryCount = 0
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) MarkCompleted(_ context.Context, jobID uuid.UUID) error {
	return s.finishJob(jobID, store.StatusCompleted)
}

func (s *Store) MarkFailed(_ context.Context, jobID uuid.UUID) error {
	return s.finishJob(jobID, store.StatusFailed)
}

func (s *Store) finishJob(jobID uuid.UUID, status store.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status == store.StatusDeleted {
		return store.ErrNotFound
	}
	if j.Status.Terminal() {
		return store.ErrForbiddenTransition
	}
	j.Status = status
	j.NextRun = nil
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) IncrementRetryCount(_ context.Context, jobID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status == store.StatusDeleted {
		return 0, store.ErrNotFound
	}
	j.RetryCount++
	j.UpdatedAt = s.now()
	return j.RetryCount, nil
}

func (s *Store) AppendLog(_ context.Context, execID uuid.UUID, level store.LogLevel, message string, metadata json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.execs[execID]; !ok {
		return store.ErrNotFound
	}
	s.logs[execID] = append(s.logs[execID], store.ExecutionLog{
		ID:          store.GenNewID(),
		ExecutionID: execID,
		Level:       level,
		Message:     message,
		Timestamp:   s.now(),
		Metadata:    metadata,
	})
	return nil
}

func (s *Store) ListExecutions(_ context.Context, owner string, jobID uuid.UUID, filter store.ExecFilter, page store.Page) (*store.ExecPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Owner != owner {
		return nil, store.ErrNotFound
	}

	var matched []store.Execution
	for _, e := range s.execs {
		if e.JobID != jobID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		matched = append(matched, *e)
	}
	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].StartedAt.Equal(matched[k].StartedAt) {
			return matched[i].StartedAt.After(matched[k].StartedAt)
		}
		return matched[i].ID.String() > matched[k].ID.String()
	})

	page = page.Normalize()
	total := len(matched)
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	return &store.ExecPage{Items: matched[start:end], Total: total, Page: page.Number, Size: page.Size}, nil
}

func (s *Store) GetExecution(_ context.Context, owner string, execID uuid.UUID) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[execID]
	if !ok {
		return nil, store.ErrNotFound
	}
	j, ok := s.jobs[e.JobID]
	if !ok || j.Owner != owner {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) GetExecutionLogs(_ context.Context, owner string, execID uuid.UUID) ([]store.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[execID]
	if !ok {
		return nil, store.ErrNotFound
	}
	j, ok := s.jobs[e.JobID]
	if !ok || j.Owner != owner {
		return nil, store.ErrNotFound
	}
	lines := make([]store.ExecutionLog, len(s.logs[execID]))
	copy(lines, s.logs[execID])
	return lines, nil
}

func (s *Store) ReapStaleExecutions(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, e := range s.execs {
		if e.Status != store.ExecRunning || !e.StartedAt.Before(cutoff) {
			continue
		}
		finished := now
		dur := store.DurationMSBetween(e.StartedAt, finished)
		e.Status = store.ExecFailed
		e.FinishedAt = &finished
		e.DurationMS = &dur
		e.ErrorMessage = store.StaleExecutionError
		n++
	}
	return n, nil
}

func (s *Store) PruneHistory(_ context.Context, execBefore, logBefore time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var execs, logs int64
	for id, e := range s.execs {
		if e.Status.TerminalExec() && e.FinishedAt != nil && e.FinishedAt.Before(execBefore) {
			delete(s.execs, id)
			logs += int64(len(s.logs[id]))
			delete(s.logs, id)
			execs++
		}
	}
	for id, lines := range s.logs {
		kept := lines[:0]
		for _, l := range lines {
			if l.Timestamp.Before(logBefore) {
				logs++
				continue
			}
			kept = append(kept, l)
		}
		s.logs[id] = kept
	}
	return execs, logs, nil
}
