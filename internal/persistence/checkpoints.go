package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint is one immutable entry in a task's append-only snapshot log.
type Checkpoint struct {
	TaskID    string    `json:"task_id"`
	Sequence  int64     `json:"sequence"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNoCheckpoints is returned when a task has no checkpoint history.
var ErrNoCheckpoints = errors.New("no checkpoints for task")

// AppendCheckpoint appends a snapshot for a task and returns its sequence
// number. Sequence numbers are assigned atomically per task inside the
// insert transaction; history is never overwritten.
func (s *Store) AppendCheckpoint(ctx context.Context, taskID, payload string) (int64, error) {
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin checkpoint tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE task_id = ?;
		`, taskID).Scan(&seq); err != nil {
			return fmt.Errorf("next checkpoint seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (task_id, seq, payload) VALUES (?, ?, ?);
		`, taskID, seq, payload); err != nil {
			return fmt.Errorf("append checkpoint: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a task.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, seq, payload, created_at
		FROM checkpoints
		WHERE task_id = ?
		ORDER BY seq DESC
		LIMIT 1;
	`, taskID).Scan(&cp.TaskID, &cp.Sequence, &cp.Payload, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNoCheckpoints)
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return &cp, nil
}

// GetCheckpoint returns a specific checkpoint by sequence number.
func (s *Store) GetCheckpoint(ctx context.Context, taskID string, seq int64) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, seq, payload, created_at
		FROM checkpoints
		WHERE task_id = ? AND seq = ?;
	`, taskID, seq).Scan(&cp.TaskID, &cp.Sequence, &cp.Payload, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s seq %d: %w", taskID, seq, ErrNoCheckpoints)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

// ListCheckpoints returns a task's full checkpoint history in ascending
// sequence order.
func (s *Store) ListCheckpoints(ctx context.Context, taskID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, seq, payload, created_at
		FROM checkpoints
		WHERE task_id = ?
		ORDER BY seq ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.TaskID, &cp.Sequence, &cp.Payload, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
