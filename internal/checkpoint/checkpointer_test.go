package checkpoint_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/go-duet/internal/checkpoint"
	"github.com/basket/go-duet/internal/persistence"
)

// memLog is an in-memory LogStore.
type memLog struct {
	entries map[string][]persistence.Checkpoint
}

func newMemLog() *memLog {
	return &memLog{entries: make(map[string][]persistence.Checkpoint)}
}

func (m *memLog) AppendCheckpoint(ctx context.Context, taskID, payload string) (int64, error) {
	seq := int64(len(m.entries[taskID]) + 1)
	m.entries[taskID] = append(m.entries[taskID], persistence.Checkpoint{
		TaskID: taskID, Sequence: seq, Payload: payload,
	})
	return seq, nil
}

func (m *memLog) LatestCheckpoint(ctx context.Context, taskID string) (*persistence.Checkpoint, error) {
	list := m.entries[taskID]
	if len(list) == 0 {
		return nil, persistence.ErrNoCheckpoints
	}
	cp := list[len(list)-1]
	return &cp, nil
}

func (m *memLog) GetCheckpoint(ctx context.Context, taskID string, seq int64) (*persistence.Checkpoint, error) {
	for _, cp := range m.entries[taskID] {
		if cp.Sequence == seq {
			out := cp
			return &out, nil
		}
	}
	return nil, persistence.ErrNoCheckpoints
}

func (m *memLog) ListCheckpoints(ctx context.Context, taskID string) ([]persistence.Checkpoint, error) {
	return append([]persistence.Checkpoint(nil), m.entries[taskID]...), nil
}

func TestCheckpointer_SaveAssignsSequence(t *testing.T) {
	cp := checkpoint.New(newMemLog())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := cp.Save(ctx, "t1", `{"phase":"work"}`)
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, seq)
		}
	}
}

func TestCheckpointer_SaveRejectsEmptyTaskID(t *testing.T) {
	cp := checkpoint.New(newMemLog())
	if _, err := cp.Save(context.Background(), "", "{}"); err == nil {
		t.Fatal("expected empty task id to be rejected")
	}
}

func TestCheckpointer_RestoreReadsWithoutMutating(t *testing.T) {
	log := newMemLog()
	cp := checkpoint.New(log)
	ctx := context.Background()

	for _, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if _, err := cp.Save(ctx, "t1", payload); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	old, err := cp.At(ctx, "t1", 1)
	if err != nil {
		t.Fatalf("at seq 1: %v", err)
	}
	if old.Payload != `{"n":1}` {
		t.Fatalf("historical payload: %q", old.Payload)
	}

	latest, err := cp.Latest(ctx, "t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Sequence != 3 {
		t.Fatalf("head moved after historical read: seq=%d", latest.Sequence)
	}

	all, err := cp.List(ctx, "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("log length changed: %d", len(all))
	}
}

func TestCheckpointer_MissingHistory(t *testing.T) {
	cp := checkpoint.New(newMemLog())
	ctx := context.Background()

	if _, err := cp.Latest(ctx, "never-seen"); !errors.Is(err, persistence.ErrNoCheckpoints) {
		t.Fatalf("expected ErrNoCheckpoints, got %v", err)
	}
	if _, err := cp.At(ctx, "never-seen", 7); !errors.Is(err, persistence.ErrNoCheckpoints) {
		t.Fatalf("expected ErrNoCheckpoints, got %v", err)
	}
}
