package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/basket/go-duet/internal/runtime"
)

// ResidencyState tracks a worker's lifecycle in the runtime.
type ResidencyState string

const (
	StateUnloaded  ResidencyState = "unloaded"
	StateLoading   ResidencyState = "loading"
	StateResident  ResidencyState = "resident"
	StateUnloading ResidencyState = "unloading"
)

// Worker wraps exactly one model binding. Residency is tracked with an
// atomic flag so the always-resident fast path in Resolve never takes the
// pool lock. The full state string and lastUsed are guarded by the pool
// mutex like the rest of the pool's mutable state.
type Worker struct {
	role           string
	modelID        string
	memoryMB       int
	alwaysResident bool
	rt             runtime.Runtime

	resident atomic.Bool

	// Guarded by Pool.mu.
	state    ResidencyState
	lastUsed time.Time
}

func newWorker(role, modelID string, memoryMB int, alwaysResident bool, rt runtime.Runtime) *Worker {
	return &Worker{
		role:           role,
		modelID:        modelID,
		memoryMB:       memoryMB,
		alwaysResident: alwaysResident,
		rt:             rt,
		state:          StateUnloaded,
	}
}

// Role returns the logical role this worker is bound to.
func (w *Worker) Role() string { return w.role }

// ModelID returns the runtime model identifier.
func (w *Worker) ModelID() string { return w.modelID }

// MemoryMB returns the configured footprint estimate.
func (w *Worker) MemoryMB() int { return w.memoryMB }

// AlwaysResident reports whether this worker may never be evicted.
func (w *Worker) AlwaysResident() bool { return w.alwaysResident }

// Resident reports whether the worker was last confirmed loaded.
// Safe to call without the pool lock.
func (w *Worker) Resident() bool { return w.resident.Load() }

// setState must be called with Pool.mu held (or during single-threaded init).
func (w *Worker) setState(s ResidencyState) {
	w.state = s
	w.resident.Store(s == StateResident)
}

// Generate runs a completion on this worker's model.
func (w *Worker) Generate(ctx context.Context, prompt string, limits runtime.GenerateLimits) (string, error) {
	return w.rt.Generate(ctx, w.modelID, prompt, limits)
}
