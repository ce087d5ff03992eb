package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-duet/internal/bus"
	"github.com/google/uuid"
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// allowedTransitions encodes the monotonic lifecycle. Terminal states have
// no outgoing edges; a transition out of completed or failed is rejected in
// the same transaction that would have applied it.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusRunning: {},
		TaskStatusFailed:  {}, // Dispatch setup failure before execution.
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
	},
}

// IsTerminal reports whether a status has no outgoing transitions.
func (s TaskStatus) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0
}

// Task is one row in the tasks table.
type Task struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Status    TaskStatus `json:"status"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ErrTaskNotFound is returned when no task matches an id or prefix.
var ErrTaskNotFound = errors.New("task not found")

// AmbiguousIDError is returned when a prefix matches more than one task and
// none exactly. The caller gets the full match list rather than an
// arbitrary pick.
type AmbiguousIDError struct {
	Prefix  string
	Matches []Task
}

func (e *AmbiguousIDError) Error() string {
	ids := make([]string, 0, len(e.Matches))
	for _, t := range e.Matches {
		ids = append(ids, t.ID)
	}
	return fmt.Sprintf("task id prefix %q is ambiguous: matches %s", e.Prefix, strings.Join(ids, ", "))
}

// CreateTask inserts a new pending task and returns its id.
// Text validation (non-empty, length bound) happens in the coordinator
// before this is called; the store only guards against the empty string.
func (s *Store) CreateTask(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("create task: empty text")
	}
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, text, status, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, text, TaskStatusPending); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "task.submitted", "", TaskStatusPending, `{"reason":"submit"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskSubmitted, bus.TaskStateChangedEvent{
			TaskID: taskID, OldStatus: "", NewStatus: string(TaskStatusPending),
		})
	}
	return taskID, nil
}

// GetTask fetches a task by its full id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT id, text, status, COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// likeEscaper neutralizes LIKE metacharacters so a caller-supplied prefix
// is always matched literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// GetTaskByPrefix resolves a full id or id prefix. An exact match always
// wins; otherwise a unique prefix match is returned, and multiple prefix
// matches produce an AmbiguousIDError listing every candidate.
func (s *Store) GetTaskByPrefix(ctx context.Context, prefix string) (*Task, error) {
	if prefix == "" {
		return nil, fmt.Errorf("task lookup: %w", ErrTaskNotFound)
	}

	task, err := s.GetTask(ctx, prefix)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, status, COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at
		FROM tasks
		WHERE id LIKE ? || '%' ESCAPE '\'
		ORDER BY created_at ASC;
	`, likeEscaper.Replace(prefix))
	if err != nil {
		return nil, fmt.Errorf("prefix lookup: %w", err)
	}
	defer rows.Close()

	var matches []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		matches = append(matches, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prefix lookup rows: %w", err)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("task %s: %w", prefix, ErrTaskNotFound)
	case 1:
		return &matches[0], nil
	default:
		return nil, &AmbiguousIDError{Prefix: prefix, Matches: matches}
	}
}

// MarkRunning transitions a task from pending to running.
func (s *Store) MarkRunning(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, TaskStatusRunning, "task.started", `{"reason":"dispatch"}`, nil, nil)
}

// CompleteTask transitions a running task to completed with its result.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	return s.transition(ctx, taskID, TaskStatusCompleted, "task.completed", `{"reason":"execution_success"}`, &result, nil)
}

// FailTask transitions a task to failed with a non-empty cause.
func (s *Store) FailTask(ctx context.Context, taskID, cause string) error {
	if cause == "" {
		cause = "unknown failure"
	}
	return s.transition(ctx, taskID, TaskStatusFailed, "task.failed", `{"reason":"execution_failure"}`, nil, &cause)
}

// ListTasks returns the most recent tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, status, COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at
		FROM tasks
		ORDER BY created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks rows: %w", err)
	}
	return out, nil
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// transition validates and applies one state-machine edge inside a
// transaction, appending a task_events row. Invalid edges (including any
// edge out of a terminal state) are rejected.
func (s *Store) transition(ctx context.Context, taskID string, to TaskStatus, eventType, payloadJSON string, result, errMsg *string) error {
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
			}
			return fmt.Errorf("read task status: %w", err)
		}
		if _, ok := allowedTransitions[from][to]; !ok {
			return fmt.Errorf("invalid task transition %s -> %s for task %s", from, to, taskID)
		}

		// The WHERE status guard makes the update atomic against a
		// concurrent transition on the same row.
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
			    result = COALESCE(?, result),
			    error = COALESCE(?, error),
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, result, errMsg, taskID, from)
		if err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("task %s changed state concurrently during %s -> %s", taskID, from, to)
		}

		if err := s.appendTaskEventTx(ctx, tx, taskID, eventType, from, to, payloadJSON); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: taskID, OldStatus: string(from), NewStatus: string(to),
		})
		switch to {
		case TaskStatusCompleted:
			s.bus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{
				TaskID: taskID, OldStatus: string(from), NewStatus: string(to),
			})
		case TaskStatusFailed:
			s.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{
				TaskID: taskID, OldStatus: string(from), NewStatus: string(to),
			})
		}
	}
	return nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, eventType string, from, to TaskStatus, payloadJSON string) error {
	var stateFrom any
	if from != "" {
		stateFrom = string(from)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, payload_json)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, eventType, stateFrom, string(to), payloadJSON); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// TaskEvent is one row of the append-only task history.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload_json"`
	CreatedAt time.Time  `json:"created_at"`
}

// ListTaskEvents returns a task's history in event order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var stateFrom string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &stateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = TaskStatus(stateFrom)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanTask(scan func(dest ...any) error, t *Task) error {
	return scan(&t.ID, &t.Text, &t.Status, &t.Result, &t.Error, &t.CreatedAt, &t.UpdatedAt)
}
