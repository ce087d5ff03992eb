package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all duet metric instruments.
type Metrics struct {
	TasksSubmitted     metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	DispatchDuration   metric.Float64Histogram
	ActiveDispatches   metric.Int64UpDownCounter
	ModelLoads         metric.Int64Counter
	ModelEvictions     metric.Int64Counter
	ResidencyFailures  metric.Int64Counter
	CheckpointWrites   metric.Int64Counter
	RemoteCallFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksSubmitted, err = meter.Int64Counter("duet.tasks.submitted",
		metric.WithDescription("Tasks accepted at submission"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("duet.tasks.completed",
		metric.WithDescription("Tasks that reached completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("duet.tasks.failed",
		metric.WithDescription("Tasks that reached failed"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("duet.dispatch.duration",
		metric.WithDescription("Task dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveDispatches, err = meter.Int64UpDownCounter("duet.dispatch.active",
		metric.WithDescription("Dispatches currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelLoads, err = meter.Int64Counter("duet.model.loads",
		metric.WithDescription("Model load operations"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelEvictions, err = meter.Int64Counter("duet.model.evictions",
		metric.WithDescription("Model evictions under memory pressure"),
	)
	if err != nil {
		return nil, err
	}

	m.ResidencyFailures, err = meter.Int64Counter("duet.model.residency_failures",
		metric.WithDescription("Residency checks that found a missing always-resident worker"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointWrites, err = meter.Int64Counter("duet.checkpoint.writes",
		metric.WithDescription("Checkpoints persisted"),
	)
	if err != nil {
		return nil, err
	}

	m.RemoteCallFailures, err = meter.Int64Counter("duet.remote.failures",
		metric.WithDescription("Remote execution calls that failed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
