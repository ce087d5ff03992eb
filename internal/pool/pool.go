// Package pool owns the set of model workers and the residency invariants:
// the interactive worker stays loaded for the lifetime of the process, and
// on-demand workers are loaded lazily under a memory budget with LRU
// eviction. Residency is always confirmed against the runtime's
// resident-model list; a load call's return value is never trusted on its
// own.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/go-duet/internal/bus"
	"github.com/basket/go-duet/internal/config"
	"github.com/basket/go-duet/internal/runtime"
)

// ErrResidencyViolated means an always-resident worker is not resident.
// This is a fatal-class error: Initialize guaranteed the worker was loaded,
// so seeing this from Resolve indicates the invariant was already broken.
// Callers must not attempt an inline reload.
var ErrResidencyViolated = errors.New("always-resident worker is not resident")

// ErrUnknownRole means Resolve was asked for a role with no binding.
var ErrUnknownRole = errors.New("role not bound to a worker")

// ResourceError wraps model load/eviction failures.
type ResourceError struct {
	Role    string
	ModelID string
	Err     error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource error for role %q (model %s): %v", e.Role, e.ModelID, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// ResidencyViolation names one missing always-resident worker.
type ResidencyViolation struct {
	Role    string
	ModelID string
}

// ResidencyReport is the result of comparing expected always-resident
// bindings against what the runtime actually has loaded.
type ResidencyReport struct {
	CheckedAt time.Time
	Checked   int
	Missing   []ResidencyViolation
}

// OK reports whether every always-resident worker was found loaded.
func (r ResidencyReport) OK() bool { return len(r.Missing) == 0 }

// Config holds the pool's dependencies and limits.
type Config struct {
	Runtime        runtime.Runtime
	Logger         *slog.Logger
	Bus            *bus.Bus
	MemoryBudgetMB int
	LoadTimeout    time.Duration
}

// Pool routes logical roles to workers and enforces the memory budget.
type Pool struct {
	rt          runtime.Runtime
	logger      *slog.Logger
	eventBus    *bus.Bus
	budgetMB    int
	loadTimeout time.Duration

	// mu serializes resolve/eviction for on-demand roles so two concurrent
	// loads cannot pick the same victim or both exceed the budget.
	mu      sync.Mutex
	workers map[string]*Worker

	// pinned is built once during Initialize and read-only afterwards, so
	// Resolve for always-resident roles never takes mu.
	pinned map[string]*Worker
}

// New creates an uninitialized pool. Initialize must succeed before Resolve
// is used.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = 30 * time.Second
	}
	return &Pool{
		rt:          cfg.Runtime,
		logger:      logger,
		eventBus:    cfg.Bus,
		budgetMB:    cfg.MemoryBudgetMB,
		loadTimeout: loadTimeout,
		workers:     make(map[string]*Worker),
	}
}

// Initialize binds every role and synchronously loads + verifies each
// always-resident worker. It fails fast: any always-resident worker that
// cannot be confirmed resident within the load timeout aborts startup.
// Calling it twice is safe; residency is checked before loading, so nothing
// is double-loaded.
func (p *Pool) Initialize(ctx context.Context, bindings []config.RoleBinding) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rb := range bindings {
		if _, ok := p.workers[rb.Role]; !ok {
			p.workers[rb.Role] = newWorker(rb.Role, rb.Model, rb.MemoryMB, rb.AlwaysResident, p.rt)
		}
	}

	pinned := make(map[string]*Worker)
	for _, rb := range bindings {
		if !rb.AlwaysResident {
			continue
		}
		w := p.workers[rb.Role]
		pinned[rb.Role] = w

		loadCtx, cancel := context.WithTimeout(ctx, p.loadTimeout)
		err := p.loadAndVerifyLocked(loadCtx, w)
		cancel()
		if err != nil {
			return &ResourceError{Role: w.role, ModelID: w.modelID, Err: err}
		}
	}

	p.pinned = pinned
	p.logger.Info("model pool initialized",
		"roles", len(p.workers),
		"always_resident", len(pinned),
		"budget_mb", p.budgetMB,
	)
	return nil
}

// Resolve returns the worker bound to a role.
//
// Always-resident roles are an O(1) lock-free read and never trigger a load:
// if the worker is not resident, the initialization invariant is already
// broken and ErrResidencyViolated is returned.
//
// On-demand roles load lazily, evicting least-recently-used evictable
// workers until there is headroom. An always-resident worker is never a
// victim regardless of memory pressure.
func (p *Pool) Resolve(ctx context.Context, role string) (*Worker, error) {
	if w, ok := p.pinned[role]; ok {
		if !w.Resident() {
			return nil, fmt.Errorf("resolve %q: %w", role, ErrResidencyViolated)
		}
		return w, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[role]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", role, ErrUnknownRole)
	}
	if w.Resident() {
		w.lastUsed = time.Now()
		return w, nil
	}

	if err := p.ensureHeadroomLocked(ctx, w.memoryMB); err != nil {
		return nil, &ResourceError{Role: w.role, ModelID: w.modelID, Err: err}
	}

	// One retry with backoff for on-demand load failures.
	loadCtx, cancel := context.WithTimeout(ctx, p.loadTimeout)
	err := p.loadAndVerifyLocked(loadCtx, w)
	cancel()
	if err != nil {
		p.logger.Warn("on-demand load failed, retrying once", "role", role, "model", w.modelID, "error", err)
		select {
		case <-ctx.Done():
			return nil, &ResourceError{Role: w.role, ModelID: w.modelID, Err: ctx.Err()}
		case <-time.After(2 * time.Second):
		}
		loadCtx, cancel = context.WithTimeout(ctx, p.loadTimeout)
		err = p.loadAndVerifyLocked(loadCtx, w)
		cancel()
		if err != nil {
			return nil, &ResourceError{Role: w.role, ModelID: w.modelID, Err: err}
		}
	}

	w.lastUsed = time.Now()
	return w, nil
}

// ValidateResidency re-queries the runtime and compares the actually-loaded
// set against every always-resident binding. A worker missing from the
// runtime has its resident flag cleared so later Resolve calls fail fast
// instead of routing to a dead model.
func (p *Pool) ValidateResidency(ctx context.Context) (ResidencyReport, error) {
	report := ResidencyReport{CheckedAt: time.Now()}

	actual, err := p.rt.ListResidentModels(ctx)
	if err != nil {
		return report, fmt.Errorf("query resident models: %w", err)
	}
	loaded := make(map[string]bool, len(actual))
	for _, m := range actual {
		loaded[m.ID] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for role, w := range p.pinned {
		report.Checked++
		if modelListed(loaded, w.modelID) {
			continue
		}
		report.Missing = append(report.Missing, ResidencyViolation{Role: role, ModelID: w.modelID})
		w.setState(StateUnloaded)
		p.logger.Error("always-resident worker missing from runtime", "role", role, "model", w.modelID)
	}
	return report, nil
}

// Workers returns a snapshot of all workers for status reporting.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].role < out[j].role })
	return out
}

// loadAndVerifyLocked loads a model and independently confirms residency.
// Must be called with mu held.
func (p *Pool) loadAndVerifyLocked(ctx context.Context, w *Worker) error {
	// A restart may find the model already loaded; check before loading.
	resident, err := p.verifyResident(ctx, w.modelID)
	if err == nil && resident {
		w.setState(StateResident)
		return nil
	}

	w.setState(StateLoading)
	if err := p.rt.LoadModel(ctx, w.modelID); err != nil {
		w.setState(StateUnloaded)
		return fmt.Errorf("load: %w", err)
	}

	// The load call succeeding is not proof of residency. Confirm against
	// the runtime's own resident list.
	resident, err = p.verifyResident(ctx, w.modelID)
	if err != nil {
		w.setState(StateUnloaded)
		return fmt.Errorf("verify residency: %w", err)
	}
	if !resident {
		w.setState(StateUnloaded)
		return fmt.Errorf("model %s reported loaded but is not resident", w.modelID)
	}

	w.setState(StateResident)
	if p.eventBus != nil {
		p.eventBus.Publish(bus.TopicModelLoaded, bus.ModelEvent{
			Role: w.role, ModelID: w.modelID, MemoryMB: w.memoryMB,
		})
	}
	p.logger.Info("model loaded", "role", w.role, "model", w.modelID, "memory_mb", w.memoryMB)
	return nil
}

func (p *Pool) verifyResident(ctx context.Context, modelID string) (bool, error) {
	actual, err := p.rt.ListResidentModels(ctx)
	if err != nil {
		return false, err
	}
	loaded := make(map[string]bool, len(actual))
	for _, m := range actual {
		loaded[m.ID] = true
	}
	return modelListed(loaded, modelID), nil
}

// modelListed matches a configured model id against the runtime's list.
// Runtimes report tagged names, so "llama3" matches "llama3:latest".
func modelListed(loaded map[string]bool, modelID string) bool {
	if loaded[modelID] {
		return true
	}
	return loaded[modelID+":latest"]
}

// ensureHeadroomLocked evicts LRU evictable workers until needMB fits in
// the budget. Ties in recency are broken by evicting the largest footprint
// first. Must be called with mu held.
func (p *Pool) ensureHeadroomLocked(ctx context.Context, needMB int) error {
	for p.usedMBLocked()+needMB > p.budgetMB {
		victim := p.pickVictimLocked()
		if victim == nil {
			return fmt.Errorf("need %dMB but only %dMB of %dMB free and no evictable workers",
				needMB, p.budgetMB-p.usedMBLocked(), p.budgetMB)
		}
		p.evictLocked(ctx, victim)
	}
	return nil
}

func (p *Pool) usedMBLocked() int {
	used := 0
	for _, w := range p.workers {
		if w.Resident() {
			used += w.memoryMB
		}
	}
	return used
}

// pickVictimLocked selects the least-recently-used evictable resident
// worker; ties broken by largest footprint (free the most memory with the
// fewest evictions). Always-resident workers are never candidates.
func (p *Pool) pickVictimLocked() *Worker {
	var victim *Worker
	for _, w := range p.workers {
		if w.alwaysResident || !w.Resident() {
			continue
		}
		if victim == nil {
			victim = w
			continue
		}
		if w.lastUsed.Before(victim.lastUsed) ||
			(w.lastUsed.Equal(victim.lastUsed) && w.memoryMB > victim.memoryMB) {
			victim = w
		}
	}
	return victim
}

func (p *Pool) evictLocked(ctx context.Context, w *Worker) {
	w.setState(StateUnloading)
	// Unload is best effort; the budget accounting only needs the resident
	// flag cleared.
	if err := p.rt.UnloadModel(ctx, w.modelID); err != nil {
		p.logger.Warn("unload failed during eviction", "model", w.modelID, "error", err)
	}
	w.setState(StateUnloaded)
	if p.eventBus != nil {
		p.eventBus.Publish(bus.TopicModelEvicted, bus.ModelEvent{
			Role: w.role, ModelID: w.modelID, MemoryMB: w.memoryMB,
		})
	}
	p.logger.Info("model evicted", "role", w.role, "model", w.modelID, "memory_mb", w.memoryMB)
}
