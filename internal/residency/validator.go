// Package residency runs the periodic residency validator: on a cron
// schedule it asks the pool to re-verify every always-resident worker
// against the runtime's resident-model list and publishes violations.
package residency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-duet/internal/bus"
	otelPkg "github.com/basket/go-duet/internal/otel"
	"github.com/basket/go-duet/internal/pool"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the validator.
type Config struct {
	Pool     *pool.Pool
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otelPkg.Metrics
	Schedule string // cron expression; defaults to every minute
}

// Validator re-checks always-resident workers on a schedule. It trusts the
// runtime's resident-model list, never the pool's cached flags.
type Validator struct {
	pool     *pool.Pool
	eventBus *bus.Bus
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	sched    cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	lastReport pool.ResidencyReport
}

// NewValidator creates a Validator. The schedule must be a valid 5-field
// cron expression.
func NewValidator(cfg Config) (*Validator, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "* * * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		pool:     cfg.Pool,
		eventBus: cfg.Bus,
		logger:   logger,
		metrics:  cfg.Metrics,
		sched:    sched,
	}, nil
}

// Start begins the validation loop in a background goroutine.
func (v *Validator) Start(ctx context.Context) {
	ctx, v.cancel = context.WithCancel(ctx)
	v.wg.Add(1)
	go v.loop(ctx)
	v.logger.Info("residency validator started")
}

// Stop cancels the loop and waits for it to exit.
func (v *Validator) Stop() {
	if v.cancel != nil {
		v.cancel()
	}
	v.wg.Wait()
	v.logger.Info("residency validator stopped")
}

// LastReport returns the most recent validation report.
func (v *Validator) LastReport() pool.ResidencyReport {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastReport
}

func (v *Validator) loop(ctx context.Context) {
	defer v.wg.Done()

	// Check immediately on startup, then on the cron schedule.
	v.check(ctx)

	for {
		next := v.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			v.check(ctx)
		}
	}
}

// check runs one validation pass and publishes a violation event per
// missing always-resident worker.
func (v *Validator) check(ctx context.Context) {
	report, err := v.pool.ValidateResidency(ctx)
	if err != nil {
		v.logger.Error("residency check failed", "error", err)
		return
	}

	v.mu.Lock()
	v.lastReport = report
	v.mu.Unlock()

	if report.OK() {
		v.logger.Debug("residency check passed", "checked", report.Checked)
		return
	}

	for _, violation := range report.Missing {
		v.logger.Warn("residency violation",
			"role", violation.Role, "model", violation.ModelID)
		if v.metrics != nil {
			v.metrics.ResidencyFailures.Add(ctx, 1)
		}
		if v.eventBus != nil {
			v.eventBus.Publish(bus.TopicModelResidencyViolation, bus.ResidencyViolationEvent{
				Role:    violation.Role,
				ModelID: violation.ModelID,
			})
		}
	}
}
