package persistence

import (
	"context"
	"fmt"
)

// RecoverOrphanedTasks fails every task found in running at startup. A task
// can only be running while a dispatch goroutine drives it, so after a
// restart any running row is an orphan: its execution was lost with the
// previous process.
func (s *Store) RecoverOrphanedTasks(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?;`, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("scan for orphaned tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan orphaned task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("orphan scan rows: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		if err := s.FailTask(ctx, id, "orphaned: daemon restarted during execution"); err != nil {
			return recovered, fmt.Errorf("fail orphaned task %s: %w", id, err)
		}
		recovered++
	}
	return recovered, nil
}

// PendingTaskIDs returns the ids of pending tasks in submission order, so a
// restarted daemon can re-dispatch work that never started.
func (s *Store) PendingTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ? ORDER BY created_at ASC;
	`, TaskStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
