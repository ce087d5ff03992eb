// Package coordinator is the top-level task scheduler. It walks each task
// through its lifecycle, routes execution to a remote peer or the local
// model pool, enforces the dispatch timeout and retry budget, and writes
// checkpoints at phase boundaries.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-duet/internal/bus"
	"github.com/basket/go-duet/internal/checkpoint"
	otelPkg "github.com/basket/go-duet/internal/otel"
	"github.com/basket/go-duet/internal/persistence"
	"github.com/basket/go-duet/internal/remote"
	"github.com/basket/go-duet/internal/shared"
)

// ValidationError rejects bad input synchronously at submission. It never
// reaches the state machine: no task row exists when one is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + e.Reason
}

// Executor runs a task's text against a model and returns the result.
// The local implementation resolves the task role via the pool; tests
// substitute fakes.
type Executor interface {
	Execute(ctx context.Context, taskID, text string) (string, error)
}

// RemoteCaller is implemented by *remote.Client.
type RemoteCaller interface {
	Call(ctx context.Context, peerAddr, method string, args map[string]string, timeout time.Duration) (string, error)
	HealthCheck(ctx context.Context, peerAddr string) bool
}

const (
	defaultDispatchTimeout    = 300 * time.Second
	defaultConnectAttempts    = 3
	defaultConnectDelay       = 5 * time.Second
	defaultCheckpointInterval = 10 * time.Second
	defaultMaxTextLen         = 8192
)

// Config holds the coordinator's dependencies and policy knobs. Everything
// is injected so tests can run multiple independent instances.
type Config struct {
	Store       *persistence.Store
	Checkpoints *checkpoint.Checkpointer
	Executor    Executor     // local execution; may be nil when PeerAddr is set
	Remote      RemoteCaller // remote execution; used when PeerAddr is set
	PeerAddr    string
	Bus         *bus.Bus
	Logger      *slog.Logger
	Metrics     *otelPkg.Metrics
	Tracer      trace.Tracer

	DispatchTimeout    time.Duration
	ConnectAttempts    int
	ConnectDelay       time.Duration
	CheckpointInterval time.Duration
	MaxTextLen         int
}

type Coordinator struct {
	cfg Config

	wg sync.WaitGroup

	// lastCheckpoint enforces the checkpoint cadence per task.
	cpMu           sync.Mutex
	lastCheckpoint map[string]time.Time
}

func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = defaultConnectAttempts
	}
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = defaultConnectDelay
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = defaultMaxTextLen
	}
	return &Coordinator{
		cfg:            cfg,
		lastCheckpoint: make(map[string]time.Time),
	}
}

// Submit validates the text, creates a pending task, and returns its id
// immediately. Execution is kicked off in a separate goroutine: submission
// and execution are decoupled, and dispatch failures are recorded on the
// task, never raised to the submitter.
func (c *Coordinator) Submit(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", &ValidationError{Reason: "task text is empty"}
	}
	if len(text) > c.cfg.MaxTextLen {
		return "", &ValidationError{Reason: fmt.Sprintf("task text exceeds %d bytes", c.cfg.MaxTextLen)}
	}

	taskID, err := c.cfg.Store.CreateTask(ctx, text)
	if err != nil {
		return "", fmt.Errorf("persist submission: %w", err)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.TasksSubmitted.Add(ctx, 1)
	}
	traceID := shared.NewTraceID()
	c.cfg.Logger.Info("task submitted", "task_id", taskID, "trace_id", traceID, "text_len", len(text))

	// Dispatch-on-submit: no polling loop scans for pending tasks. The
	// dispatch outlives the submitter's request context.
	dispatchCtx := context.WithoutCancel(ctx)
	dispatchCtx = shared.WithTraceID(shared.WithTaskID(dispatchCtx, taskID), traceID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Dispatch(dispatchCtx, taskID); err != nil {
			c.cfg.Logger.Error("dispatch failed", "task_id", taskID, "error", err)
		}
	}()

	return taskID, nil
}

// Dispatch transitions the task to running, executes it (remotely or
// locally) under the hard dispatch timeout, and records the terminal state.
// A hung worker cannot leave the task in running forever: the timeout is
// enforced locally and the abandoned call is cancelled best-effort through
// its context.
func (c *Coordinator) Dispatch(ctx context.Context, taskID string) error {
	var span trace.Span
	if c.cfg.Tracer != nil {
		ctx, span = otelPkg.StartSpan(ctx, c.cfg.Tracer, "coordinator.dispatch", otelPkg.AttrTaskID.String(taskID))
		defer span.End()
	}

	task, err := c.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if err := c.cfg.Store.MarkRunning(ctx, taskID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveDispatches.Add(ctx, 1)
		defer c.cfg.Metrics.ActiveDispatches.Add(context.WithoutCancel(ctx), -1)
	}
	c.maybeCheckpoint(ctx, taskID, "dispatching", "")

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	result, execErr := c.execute(execCtx, taskID, task.Text)
	cancel()

	// Recording the outcome must not be blocked by the expired execution
	// deadline.
	recordCtx := context.WithoutCancel(ctx)

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.DispatchDuration.Record(recordCtx, time.Since(start).Seconds())
	}

	defer func() {
		c.cpMu.Lock()
		delete(c.lastCheckpoint, taskID)
		c.cpMu.Unlock()
	}()

	if execErr == nil {
		if err := c.cfg.Store.CompleteTask(recordCtx, taskID, result); err != nil {
			return fmt.Errorf("record completion: %w", err)
		}
		c.maybeCheckpoint(recordCtx, taskID, "completed", result)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.TasksCompleted.Add(recordCtx, 1)
		}
		c.cfg.Logger.Info("task completed",
			"task_id", taskID, "trace_id", shared.TraceID(ctx), "duration", time.Since(start))
		return nil
	}

	cause := failureCause(execErr, c.cfg.DispatchTimeout)
	if err := c.cfg.Store.FailTask(recordCtx, taskID, cause); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.TasksFailed.Add(recordCtx, 1)
	}
	c.cfg.Logger.Warn("task failed",
		"task_id", taskID, "trace_id", shared.TraceID(ctx), "cause", cause, "duration", time.Since(start))
	return nil
}

// Status resolves a full id or prefix and returns the task. This is a pure
// read: it never triggers execution or model operations.
func (c *Coordinator) Status(ctx context.Context, idOrPrefix string) (*persistence.Task, error) {
	return c.cfg.Store.GetTaskByPrefix(ctx, idOrPrefix)
}

// Drain waits for in-flight dispatches to finish, up to the given timeout.
func (c *Coordinator) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// execute routes to the peer when one is configured, otherwise to the
// local executor. Connect failures against the peer are retried with a
// fixed delay up to the configured attempt bound; everything else is
// surfaced on the first occurrence.
func (c *Coordinator) execute(ctx context.Context, taskID, text string) (string, error) {
	if c.cfg.PeerAddr != "" && c.cfg.Remote != nil {
		return c.executeRemote(ctx, taskID, text)
	}
	if c.cfg.Executor != nil {
		return c.cfg.Executor.Execute(ctx, taskID, text)
	}
	return "", errors.New("no execution backend configured")
}

func (c *Coordinator) executeRemote(ctx context.Context, taskID, text string) (string, error) {
	if c.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otelPkg.StartClientSpan(ctx, c.cfg.Tracer, "coordinator.execute_remote",
			otelPkg.AttrTaskID.String(taskID),
			otelPkg.AttrPeer.String(c.cfg.PeerAddr),
			otelPkg.AttrMethod.String("task.execute"),
		)
		defer span.End()
	}
	args := map[string]string{"task_id": taskID, "text": text}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		// Fail fast on a down peer instead of burning the full call
		// timeout per attempt.
		if !c.cfg.Remote.HealthCheck(ctx, c.cfg.PeerAddr) {
			lastErr = fmt.Errorf("peer %s health check: %w", c.cfg.PeerAddr, remote.ErrConnectionFailed)
		} else {
			remaining := c.cfg.DispatchTimeout
			if deadline, ok := ctx.Deadline(); ok {
				remaining = time.Until(deadline)
			}
			result, err := c.cfg.Remote.Call(ctx, c.cfg.PeerAddr, "task.execute", args, remaining)
			if err == nil {
				return result, nil
			}
			lastErr = err
		}

		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RemoteCallFailures.Add(ctx, 1)
		}
		if !errors.Is(lastErr, remote.ErrConnectionFailed) || attempt == c.cfg.ConnectAttempts {
			return "", lastErr
		}

		c.cfg.Logger.Warn("peer unreachable, retrying",
			"peer", c.cfg.PeerAddr, "attempt", attempt, "max_attempts", c.cfg.ConnectAttempts)
		if c.cfg.Bus != nil {
			c.cfg.Bus.Publish(bus.TopicTaskRetrying, bus.TaskStateChangedEvent{TaskID: taskID})
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.cfg.ConnectDelay):
		}
	}
	return "", lastErr
}

// maybeCheckpoint writes a phase-boundary checkpoint unless one was written
// for this task within the cadence interval. The checkpointer itself is
// policy-free; suppression happens here.
func (c *Coordinator) maybeCheckpoint(ctx context.Context, taskID, phase, detail string) {
	if c.cfg.Checkpoints == nil {
		return
	}

	c.cpMu.Lock()
	last, ok := c.lastCheckpoint[taskID]
	c.cpMu.Unlock()
	if ok && time.Since(last) < c.cfg.CheckpointInterval {
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"phase":  phase,
		"detail": detail,
	})
	seq, err := c.cfg.Checkpoints.Save(ctx, taskID, string(payload))
	if err != nil {
		// Checkpoints bound recovery cost; losing one never fails the task.
		// The cadence window opens only on a successful write, so a failed
		// write cannot suppress the next phase boundary.
		c.cfg.Logger.Warn("checkpoint write failed", "task_id", taskID, "phase", phase, "error", err)
		return
	}
	c.cpMu.Lock()
	c.lastCheckpoint[taskID] = time.Now()
	c.cpMu.Unlock()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CheckpointWrites.Add(ctx, 1)
	}
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(bus.TopicCheckpointSaved, bus.CheckpointSavedEvent{
			TaskID: taskID, Sequence: seq, Phase: phase,
		})
	}
}

// failureCause renders a terminal failure as a non-empty, human-readable
// cause string for the task row.
func failureCause(err error, timeout time.Duration) string {
	switch {
	case errors.Is(err, remote.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timeout: execution exceeded %s", timeout)
	case errors.Is(err, context.Canceled):
		return "canceled: dispatch aborted"
	default:
		return err.Error()
	}
}
