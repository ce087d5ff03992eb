// Package checkpoint persists opaque task-state snapshots to an
// append-only, sequence-numbered log. The checkpointer is policy-free:
// cadence decisions (how often to snapshot) belong to the coordinator.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/basket/go-duet/internal/persistence"
)

// LogStore is the append-only log collaborator. *persistence.Store
// implements it.
type LogStore interface {
	AppendCheckpoint(ctx context.Context, taskID, payload string) (int64, error)
	LatestCheckpoint(ctx context.Context, taskID string) (*persistence.Checkpoint, error)
	GetCheckpoint(ctx context.Context, taskID string, seq int64) (*persistence.Checkpoint, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]persistence.Checkpoint, error)
}

// Checkpointer writes and reads task snapshots.
type Checkpointer struct {
	store LogStore
}

func New(store LogStore) *Checkpointer {
	return &Checkpointer{store: store}
}

// Save appends a new checkpoint and returns its sequence number. Prior
// entries are never overwritten.
func (c *Checkpointer) Save(ctx context.Context, taskID, payload string) (int64, error) {
	if taskID == "" {
		return 0, fmt.Errorf("checkpoint save: empty task id")
	}
	return c.store.AppendCheckpoint(ctx, taskID, payload)
}

// Latest returns the highest-sequence checkpoint for a task, or
// persistence.ErrNoCheckpoints if none exists.
func (c *Checkpointer) Latest(ctx context.Context, taskID string) (*persistence.Checkpoint, error) {
	return c.store.LatestCheckpoint(ctx, taskID)
}

// At returns the checkpoint with an explicit sequence number. Restoring a
// named snapshot reads history; it never mutates it.
func (c *Checkpointer) At(ctx context.Context, taskID string, seq int64) (*persistence.Checkpoint, error) {
	return c.store.GetCheckpoint(ctx, taskID, seq)
}

// List returns a task's checkpoints in ascending sequence order.
func (c *Checkpointer) List(ctx context.Context, taskID string) ([]persistence.Checkpoint, error) {
	return c.store.ListCheckpoints(ctx, taskID)
}
