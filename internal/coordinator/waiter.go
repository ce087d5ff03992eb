package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-duet/internal/bus"
	"github.com/basket/go-duet/internal/persistence"
)

// Waiter blocks until a task reaches a terminal state, using bus events
// with a polling fallback. Used by the CLI's --wait mode and by tests.
type Waiter struct {
	eventBus *bus.Bus // optional; nil means polling-only
	store    *persistence.Store
}

func NewWaiter(eventBus *bus.Bus, store *persistence.Store) *Waiter {
	return &Waiter{eventBus: eventBus, store: store}
}

// WaitForTask blocks until the task is terminal or the timeout expires.
func (w *Waiter) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*persistence.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe first so no event is missed between the DB check and the
	// wait loop.
	var sub *bus.Subscription
	if w.eventBus != nil {
		sub = w.eventBus.Subscribe("task.")
		defer w.eventBus.Unsubscribe(sub)
	}

	task, err := w.checkTerminal(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task != nil {
		return task, nil
	}

	// Events give low latency; the ticker covers dropped events.
	tickerInterval := 1 * time.Second
	if w.eventBus == nil {
		tickerInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for task %s: %w", taskID, ctx.Err())

		case <-ticker.C:
			task, err := w.checkTerminal(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if task != nil {
				return task, nil
			}

		case event, ok := <-subChannel(sub):
			if !ok {
				sub = nil
				continue
			}
			if !isEventForTask(event, taskID) {
				continue
			}
			task, err := w.checkTerminal(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if task != nil {
				return task, nil
			}
		}
	}
}

func subChannel(sub *bus.Subscription) <-chan bus.Event {
	if sub == nil {
		return nil
	}
	return sub.Ch()
}

func isEventForTask(event bus.Event, taskID string) bool {
	if e, ok := event.Payload.(bus.TaskStateChangedEvent); ok {
		return e.TaskID == taskID
	}
	return false
}

// checkTerminal returns the task if it is terminal, (nil, nil) otherwise.
func (w *Waiter) checkTerminal(ctx context.Context, taskID string) (*persistence.Task, error) {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsTerminal() {
		return nil, nil
	}
	return task, nil
}
