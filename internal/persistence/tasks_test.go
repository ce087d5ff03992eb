package persistence_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-duet/internal/bus"
	"github.com/basket/go-duet/internal/persistence"
)

func TestTasks_LifecycleHappyPath(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, "translate the release notes")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("new task should be pending, got %s", task.Status)
	}

	if err := store.MarkRunning(ctx, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.CompleteTask(ctx, id, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	task, err = store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.Result != "done" {
		t.Fatalf("expected result %q, got %q", "done", task.Result)
	}
}

func TestTasks_InvalidTransitionsRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(t *testing.T, id string)
		apply func(id string) error
	}{
		{
			name:  "pending cannot complete",
			setup: func(t *testing.T, id string) {},
			apply: func(id string) error { return store.CompleteTask(ctx, id, "r") },
		},
		{
			name: "completed is frozen",
			setup: func(t *testing.T, id string) {
				if err := store.MarkRunning(ctx, id); err != nil {
					t.Fatalf("mark running: %v", err)
				}
				if err := store.CompleteTask(ctx, id, "r"); err != nil {
					t.Fatalf("complete: %v", err)
				}
			},
			apply: func(id string) error { return store.MarkRunning(ctx, id) },
		},
		{
			name: "failed is frozen",
			setup: func(t *testing.T, id string) {
				if err := store.MarkRunning(ctx, id); err != nil {
					t.Fatalf("mark running: %v", err)
				}
				if err := store.FailTask(ctx, id, "boom"); err != nil {
					t.Fatalf("fail: %v", err)
				}
			},
			apply: func(id string) error { return store.CompleteTask(ctx, id, "late") },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, err := store.CreateTask(ctx, "transition fodder")
			if err != nil {
				t.Fatalf("create task: %v", err)
			}
			tc.setup(t, id)

			err = tc.apply(id)
			if err == nil {
				t.Fatal("expected invalid transition to be rejected")
			}
			if !strings.Contains(err.Error(), "invalid task transition") {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestTasks_TerminalResultSurvivesRejectedWrite(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, "keep my result")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.MarkRunning(ctx, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.CompleteTask(ctx, id, "first result"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := store.FailTask(ctx, id, "late failure"); err == nil {
		t.Fatal("expected rejection of failure after completion")
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusCompleted || task.Result != "first result" {
		t.Fatalf("terminal state mutated: status=%s result=%q", task.Status, task.Result)
	}
}

func TestTasks_PendingCanFailDirectly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, "never starts")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.FailTask(ctx, id, "dispatch setup failed"); err != nil {
		t.Fatalf("fail pending: %v", err)
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.Error == "" {
		t.Fatal("failed task must carry a cause")
	}
}

func TestTasks_GetTaskByPrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Deterministic ids for prefix behavior.
	mustInsert := func(id string) {
		t.Helper()
		_, err := store.DB().Exec(
			`INSERT INTO tasks (id, text, status) VALUES (?, 'seeded', 'pending');`, id)
		if err != nil {
			t.Fatalf("seed task %s: %v", id, err)
		}
	}
	mustInsert("abc-123")
	mustInsert("abc-456")
	mustInsert("def-789")

	t.Run("unique prefix resolves", func(t *testing.T) {
		task, err := store.GetTaskByPrefix(ctx, "def")
		if err != nil {
			t.Fatalf("unique prefix: %v", err)
		}
		if task.ID != "def-789" {
			t.Fatalf("expected def-789, got %s", task.ID)
		}
	})

	t.Run("ambiguous prefix lists all matches", func(t *testing.T) {
		_, err := store.GetTaskByPrefix(ctx, "abc")
		var ambig *persistence.AmbiguousIDError
		if !errors.As(err, &ambig) {
			t.Fatalf("expected AmbiguousIDError, got %v", err)
		}
		if len(ambig.Matches) != 2 {
			t.Fatalf("expected 2 matches, got %d", len(ambig.Matches))
		}
	})

	t.Run("exact id wins over prefix ambiguity", func(t *testing.T) {
		mustInsert("abc")
		task, err := store.GetTaskByPrefix(ctx, "abc")
		if err != nil {
			t.Fatalf("exact match: %v", err)
		}
		if task.ID != "abc" {
			t.Fatalf("expected exact match abc, got %s", task.ID)
		}
	})

	t.Run("no match", func(t *testing.T) {
		_, err := store.GetTaskByPrefix(ctx, "zzz")
		if !errors.Is(err, persistence.ErrTaskNotFound) {
			t.Fatalf("expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("like metacharacters match literally", func(t *testing.T) {
		// "%" and "_" are prefix characters, not wildcards: they must not
		// match every id.
		for _, raw := range []string{"%", "_", "a%", "ab_"} {
			_, err := store.GetTaskByPrefix(ctx, raw)
			if !errors.Is(err, persistence.ErrTaskNotFound) {
				t.Fatalf("prefix %q should match nothing, got %v", raw, err)
			}
		}

		mustInsert("odd%id-1")
		task, err := store.GetTaskByPrefix(ctx, "odd%")
		if err != nil {
			t.Fatalf("literal %% prefix: %v", err)
		}
		if task.ID != "odd%id-1" {
			t.Fatalf("expected odd%%id-1, got %s", task.ID)
		}
	})
}

func TestTasks_EventHistoryAppendOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, "audit me")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.MarkRunning(ctx, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.FailTask(ctx, id, "timeout: execution exceeded 300s"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	events, err := store.ListTaskEvents(ctx, id)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	wantTypes := []string{"task.submitted", "task.started", "task.failed"}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, events[i].EventType)
		}
	}
	if events[2].StateFrom != persistence.TaskStatusRunning || events[2].StateTo != persistence.TaskStatusFailed {
		t.Fatalf("final event has wrong edge: %s -> %s", events[2].StateFrom, events[2].StateTo)
	}
}

func TestTasks_TransitionsPublishBusEvents(t *testing.T) {
	store, eventBus := openTestStoreWithBus(t)
	ctx := context.Background()

	sub := eventBus.Subscribe("task.")
	defer eventBus.Unsubscribe(sub)

	id, err := store.CreateTask(ctx, "publish me")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.MarkRunning(ctx, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.CompleteTask(ctx, id, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var topics []string
	deadline := time.After(2 * time.Second)
	for len(topics) < 4 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-deadline:
			t.Fatalf("timed out, saw topics %v", topics)
		}
	}

	want := []string{
		bus.TopicTaskSubmitted,
		bus.TopicTaskStateChanged,
		bus.TopicTaskStateChanged,
		bus.TopicTaskCompleted,
	}
	for _, topic := range want {
		found := false
		for _, got := range topics {
			if got == topic {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("missing topic %s in %v", topic, topics)
		}
	}
}

func TestTasks_CountsByStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.CreateTask(ctx, "pending one"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	id, err := store.CreateTask(ctx, "runner")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkRunning(ctx, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[persistence.TaskStatusPending] != 3 {
		t.Fatalf("expected 3 pending, got %d", counts[persistence.TaskStatusPending])
	}
	if counts[persistence.TaskStatusRunning] != 1 {
		t.Fatalf("expected 1 running, got %d", counts[persistence.TaskStatusRunning])
	}
}
