package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronoq/internal/store"
)

type logRow struct {
	ID          uuid.UUID       `db:"id"`
	ExecutionID uuid.UUID       `db:"execution_id"`
	Level       string          `db:"level"`
	Message     string          `db:"message"`
	Timestamp   time.Time       `db:"timestamp"`
	Metadata    json.RawMessage `db:"metadata"`
}

func (s *Store) AppendLog(ctx context.Context, execID uuid.UUID, level store.LogLevel, message string, metadata json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (id, execution_id, level, message, timestamp, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		store.GenNewID(), execID, level, message, s.now(), jsonOrNull(metadata))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *Store) GetExecutionLogs(ctx context.Context, owner string, execID uuid.UUID) ([]store.ExecutionLog, error) {
	if _, err := s.GetExecution(ctx, owner, execID); err != nil {
		return nil, err
	}
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, execution_id, level, message, timestamp, metadata
		 FROM execution_logs WHERE execution_id = $1
		 ORDER BY timestamp ASC, id ASC`, execID)
	if err != nil {
		return nil, fmt.Errorf("get execution logs: %w", err)
	}
	lines := make([]store.ExecutionLog, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, store.ExecutionLog{
			ID:          r.ID,
			ExecutionID: r.ExecutionID,
			Level:       store.LogLevel(r.Level),
			Message:     r.Message,
			Timestamp:   r.Timestamp,
			Metadata:    r.Metadata,
		})
	}
	return lines, nil
}
