// Package pg implements store.JobStore on Postgres. Executions and logs
// live in monthly range-partitioned tables; job scheduling state lives in
// a single jobs table with partial indexes for the due-job scan.
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
	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/chronoq/internal/store"
)

// Store implements store.JobStore backed by Postgres.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New wraps an open connection. nowFn stamps created_at/updated_at; pass
// nil for wall time.
func New(db *sqlx.DB, nowFn func() time.Time) *Store {
	if nowFn == nil {
		nowFn = nowUTC
	}
	return &Store{db: db, now: nowFn}
}

const jobSelectCols = `id, owner, name, description, kind, schedule_kind,
	 scheduled_time, cron_expression, next_run, payload, timeout_seconds,
	 max_retries, status, retry_count, last_executed_at, created_at, updated_at`

type jobRow struct {
	ID             uuid.UUID       `db:"id"`
	Owner          string          `db:"owner"`
	Name           string          `db:"name"`
	Description    string          `db:"description"`
	Kind           string          `db:"kind"`
	ScheduleKind   string          `db:"schedule_kind"`
	ScheduledTime  *time.Time      `db:"scheduled_time"`
	CronExpression *string         `db:"cron_expression"`
	NextRun        *time.Time      `db:"next_run"`
	Payload        json.RawMessage `db:"payload"`
	TimeoutSeconds int             `db:"timeout_seconds"`
	MaxRetries     int             `db:"max_retries"`
	Status         string          `db:"status"`
	RetryCount     int             `db:"retry_count"`
	LastExecutedAt *time.Time      `db:"last_executed_at"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r jobRow) toJob() store.Job {
	return store.Job{
		ID:          r.ID,
		Owner:       r.Owner,
		Name:        r.Name,
		Description: r.Description,
		Kind:        store.JobKind(r.Kind),
		Schedule: store.Schedule{
			Kind: store.ScheduleKind(r.ScheduleKind),
			At:   r.ScheduledTime,
			Expr: derefStr(r.CronExpression),
		},
		NextRun:        r.NextRun,
		Payload:        r.Payload,
		Timeout:        time.Duration(r.TimeoutSeconds) * time.Second,
		MaxRetries:     r.MaxRetries,
		Status:         store.JobStatus(r.Status),
		RetryCount:     r.RetryCount,
		LastExecutedAt: r.LastExecutedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (s *Store) CreateJob(ctx context.Context, job *store.Job) error {
	if err := store.ValidateJob(job); err != nil {
		return err
	}
	if job.ID == uuid.Nil {
		job.ID = store.GenNewID()
	}
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, owner, name, description, kind, schedule_kind,
		 scheduled_time, cron_expression, next_run, payload, timeout_seconds,
		 max_retries, status, retry_count, last_executed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		job.ID, job.Owner, job.Name, job.Description, job.Kind, job.Schedule.Kind,
		nilTime(job.Schedule.At), nilStr(job.Schedule.Expr), nilTime(job.NextRun),
		jsonOrEmpty(job.Payload), int(job.Timeout/time.Second),
		job.MaxRetries, job.Status, job.RetryCount, nilTime(job.LastExecutedAt), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, owner string, id uuid.UUID) (*store.Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r,
		`SELECT `+jobSelectCols+` FROM jobs
		 WHERE id = $1 AND owner = $2 AND status <> 'deleted'`, id, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j := r.toJob()
	return &j, nil
}

func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r,
		`SELECT `+jobSelectCols+` FROM jobs
		 WHERE id = $1 AND status <> 'deleted'`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j := r.toJob()
	return &j, nil
}

func (s *Store) ListJobs(ctx context.Context, owner string, filter store.JobFilter, page store.Page) (*store.JobPage, error) {
	page = page.Normalize()

	where := []string{"owner = $1", "status <> 'deleted'"}
	args := []interface{}{owner}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM jobs WHERE `+cond, args...); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	dir := "ASC"
	if filter.SortDesc {
		dir = "DESC"
	}
	args = append(args, page.Size, page.Offset())
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY %s %s, id LIMIT $%d OFFSET $%d`,
		jobSelectCols, cond, store.SortColumn(filter.SortBy), dir, len(args)-1, len(args))

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	items := make([]store.Job, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toJob())
	}
	return &store.JobPage{Items: items, Total: total, Page: page.Number, Size: page.Size}, nil
}

func (s *Store) UpdateJob(ctx context.Context, owner string, id uuid.UUID, patch store.JobPatch) (*store.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var r jobRow
	err = tx.GetContext(ctx, &r,
		`SELECT `+jobSelectCols+` FROM jobs
		 WHERE id = $1 AND owner = $2 AND status <> 'deleted' FOR UPDATE`, id, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	current := r.toJob()
	if err := store.ValidatePatch(&current, patch); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"updated_at": s.now()}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.CronExpr != nil {
		updates["cron_expression"] = *patch.CronExpr
	}
	if patch.Payload != nil {
		updates["payload"] = []byte(patch.Payload)
	}
	if patch.Timeout != nil {
		updates["timeout_seconds"] = int(*patch.Timeout / time.Second)
	}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.NextRun != nil {
		updates["next_run"] = patch.NextRun.UTC()
	}

	var setClauses []string
	var args []interface{}
	i := 1
	for col, val := range updates {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d", strings.Join(setClauses, ", "), i)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	err = tx.GetContext(ctx, &r, `SELECT `+jobSelectCols+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("reread job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	j := r.toJob()
	return &j, nil
}

func (s *Store) SoftDeleteJob(ctx context.Context, owner string, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'deleted', next_run = NULL, updated_at = $3
		 WHERE id = $1 AND owner = $2 AND status <> 'deleted'`, id, owner, s.now())
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Pause(ctx context.Context, owner string, id uuid.UUID) (*store.Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r,
		`UPDATE jobs SET status = 'paused', updated_at = $3
		 WHERE id = $1 AND owner = $2 AND status = 'active' AND kind = 'recurring'
		 RETURNING `+jobSelectCols, id, owner, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.transitionError(ctx, owner, id)
	}
	if err != nil {
		return nil, fmt.Errorf("pause job: %w", err)
	}
	j := r.toJob()
	return &j, nil
}

func (s *Store) Resume(ctx context.Context, owner string, id uuid.UUID, nextRun time.Time) (*store.Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r,
		`UPDATE jobs SET status = 'active', next_run = $3, updated_at = $4
		 WHERE id = $1 AND owner = $2 AND status = 'paused'
		 RETURNING `+jobSelectCols, id, owner, nextRun.UTC(), s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.transitionError(ctx, owner, id)
	}
	if err != nil {
		return nil, fmt.Errorf("resume job: %w", err)
	}
	j := r.toJob()
	return &j, nil
}

// transitionError distinguishes a missing job from one in the wrong state
// after a guarded UPDATE matched nothing.
func (s *Store) transitionError(ctx context.Context, owner string, id uuid.UUID) error {
	if _, err := s.GetJob(ctx, owner, id); errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	return store.ErrForbiddenTransition
}

func (s *Store) ClaimDueJobs(ctx context.Context, limit int, horizon time.Time) ([]store.Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobSelectCols+` FROM jobs
		 WHERE status = 'active' AND next_run <= $1
		 ORDER BY next_run ASC LIMIT $2`, horizon.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	jobs := make([]store.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

func (s *Store) UpcomingJobs(ctx context.Context, owner string, until time.Time) ([]store.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobSelectCols+` FROM jobs
		 WHERE owner = $1 AND status IN ('pending', 'active', 'paused') AND next_run <= $2
		 ORDER BY next_run ASC`, owner, until.UTC())
	if err != nil {
		return nil, fmt.Errorf("upcoming jobs: %w", err)
	}
	jobs := make([]store.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

func (s *Store) SetNextRun(ctx context.Context, jobID uuid.UUID, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_run = $2, updated_at = $3
		 WHERE id = $1 AND status <> 'deleted'`, jobID, next.UTC(), s.now())
	if err != nil {
		return fmt.Errorf("set next_run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkLastExecuted(ctx context.Context, jobID uuid.UUID, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_executed_at = $2, retry_count = 0, updated_at = $3
		 WHERE id = $1 AND status <> 'deleted'`, jobID, startedAt.UTC(), s.now())
	if err != nil {
		return fmt.Errorf("mark last executed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, jobID uuid.UUID) error {
	return s.finishJob(ctx, jobID, store.StatusCompleted)
}

func (s *Store) MarkFailed(ctx context.Context, jobID uuid.UUID) error {
	return s.finishJob(ctx, jobID, store.StatusFailed)
}

func (s *Store) finishJob(ctx context.Context, jobID uuid.UUID, status store.JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $2, next_run = NULL, updated_at = $3
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'deleted')`,
		jobID, status, s.now())
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND status <> 'deleted')`, jobID); err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrForbiddenTransition
	}
	return nil
}

func (s *Store) IncrementRetryCount(ctx context.Context, jobID uuid.UUID) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`UPDATE jobs SET retry_count = retry_count + 1, updated_at = $2
		 WHERE id = $1 AND status <> 'deleted' RETURNING retry_count`, jobID, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry count: %w", err)
	}
	return count, nil
}
