package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronoq/internal/store"
)

const execSelectCols = `id, job_id, started_at, finished_at, status,
	 retry_attempt, duration_ms, error_message, output`

type execRow struct {
	ID           uuid.UUID       `db:"id"`
	JobID        uuid.UUID       `db:"job_id"`
	StartedAt    time.Time       `db:"started_at"`
	FinishedAt   *time.Time      `db:"finished_at"`
	Status       string          `db:"status"`
	RetryAttempt int             `db:"retry_attempt"`
	DurationMS   *int64          `db:"duration_ms"`
	ErrorMessage *string         `db:"error_message"`
	Output       json.RawMessage `db:"output"`
}

func (r execRow) toExecution() store.Execution {
	return store.Execution{
		ID:           r.ID,
		JobID:        r.JobID,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Status:       store.ExecStatus(r.Status),
		RetryAttempt: r.RetryAttempt,
		DurationMS:   r.DurationMS,
		ErrorMessage: derefStr(r.ErrorMessage),
		Output:       r.Output,
	}
}

func (s *Store) BeginExecution(ctx context.Context, jobID uuid.UUID, retryAttempt int, startedAt time.Time) (*store.Execution, error) {
	exec := &store.Execution{
		ID:           store.GenNewID(),
		JobID:        jobID,
		StartedAt:    startedAt.UTC(),
		Status:       store.ExecRunning,
		RetryAttempt: retryAttempt,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, job_id, started_at, status, retry_attempt)
		 VALUES ($1, $2, $3, $4, $5)`,
		exec.ID, exec.JobID, exec.StartedAt, exec.Status, exec.RetryAttempt)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return exec, nil
}

func (s *Store) FinalizeExecution(ctx context.Context, execID uuid.UUID, outcome store.Outcome) error {
	if !outcome.Status.TerminalExec() {
		return store.ErrInvalidInput
	}
	finished := outcome.FinishedAt.UTC()

	// The WHERE status = 'running' guard makes terminal rows immutable
	// and the finalize write atomic.
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = $2, finished_at = $3,
		     duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint,
		     error_message = $4, output = $5
		 WHERE id = $1 AND status = 'running'`,
		execID, outcome.Status, finished, nilStr(outcome.Error), jsonOrNull(outcome.Output))
	if err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, execID); err != nil {
			return fmt.Errorf("finalize execution: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrExecutionFinal
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, owner string, jobID uuid.UUID, filter store.ExecFilter, page store.Page) (*store.ExecPage, error) {
	if _, err := s.GetJob(ctx, owner, jobID); err != nil {
		// Executions outlive deleted jobs, so fall back to an
		// owner-only check before giving up.
		if !s.jobOwnedBy(ctx, owner, jobID) {
			return nil, store.ErrNotFound
		}
	}
	page = page.Normalize()

	where := []string{"job_id = $1"}
	args := []interface{}{jobID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM executions WHERE `+cond, args...); err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}

	args = append(args, page.Size, page.Offset())
	q := fmt.Sprintf(`SELECT %s FROM executions WHERE %s
		 ORDER BY started_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		execSelectCols, cond, len(args)-1, len(args))

	var rows []execRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	items := make([]store.Execution, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toExecution())
	}
	return &store.ExecPage{Items: items, Total: total, Page: page.Number, Size: page.Size}, nil
}

// jobOwnedBy reports whether the job row (any status, including deleted)
// belongs to owner.
func (s *Store) jobOwnedBy(ctx context.Context, owner string, jobID uuid.UUID) bool {
	var ok bool
	err := s.db.GetContext(ctx, &ok,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND owner = $2)`, jobID, owner)
	return err == nil && ok
}

func (s *Store) GetExecution(ctx context.Context, owner string, execID uuid.UUID) (*store.Execution, error) {
	var r execRow
	err := s.db.GetContext(ctx, &r,
		`SELECT e.id, e.job_id, e.started_at, e.finished_at, e.status,
		        e.retry_attempt, e.duration_ms, e.error_message, e.output
		 FROM executions e JOIN jobs j ON j.id = e.job_id
		 WHERE e.id = $1 AND j.owner = $2`, execID, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	e := r.toExecution()
	return &e, nil
}

func (s *Store) ReapStaleExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = 'failed', finished_at = $2,
		     duration_ms = (EXTRACT(EPOCH FROM ($2::timestamptz - started_at)) * 1000)::bigint,
		     error_message = $3
		 WHERE status = 'running' AND started_at < $1`,
		cutoff.UTC(), now, store.StaleExecutionError)
	if err != nil {
		return 0, fmt.Errorf("reap stale executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) PruneHistory(ctx context.Context, execBefore, logBefore time.Time) (int64, int64, error) {
	logRes, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_logs WHERE timestamp < $1`, logBefore.UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("prune logs: %w", err)
	}
	logs, _ := logRes.RowsAffected()

	execRes, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE status <> 'running' AND finished_at < $1`, execBefore.UTC())
	if err != nil {
		return 0, logs, fmt.Errorf("prune executions: %w", err)
	}
	execs, _ := execRes.RowsAffected()
	return execs, logs, nil
}
