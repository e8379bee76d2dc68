package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metrics instruments: queue depth and
// deployment outcomes from the coordinator, active task count and pause
// activity from the tracker, and due/fired counts from the scheduler.
type Metrics struct {
	QueueDepth           metric.Int64ObservableGauge
	DeploymentDuration   metric.Float64Histogram
	DeploymentsCompleted metric.Int64Counter
	DeploymentsFailed    metric.Int64Counter
	ActiveTaskCount      metric.Int64ObservableGauge
	TasksPaused          metric.Int64Counter
	TasksStale           metric.Int64Counter
	ScheduledJobsFired   metric.Int64Counter
	ScheduledJobsFailed  metric.Int64Counter
	RecoveryTasksPaused  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter. The two
// observable gauges are registered without callbacks here; callers attach
// one via meter.RegisterCallback once the queue/tracker instances they read
// from exist.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueueDepth, err = meter.Int64ObservableGauge("orchestrator.queue.depth",
		metric.WithDescription("Number of pending or eligible deployments in the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.DeploymentDuration, err = meter.Float64Histogram("orchestrator.deployment.duration",
		metric.WithDescription("Deployment execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DeploymentsCompleted, err = meter.Int64Counter("orchestrator.deployment.completed",
		metric.WithDescription("Total deployments that completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.DeploymentsFailed, err = meter.Int64Counter("orchestrator.deployment.failed",
		metric.WithDescription("Total deployments that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTaskCount, err = meter.Int64ObservableGauge("orchestrator.task.active",
		metric.WithDescription("Number of currently running tracked tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksPaused, err = meter.Int64Counter("orchestrator.task.paused",
		metric.WithDescription("Total tasks paused ahead of destructive deployments"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStale, err = meter.Int64Counter("orchestrator.task.stale",
		metric.WithDescription("Total tasks marked failed for a stale heartbeat"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduledJobsFired, err = meter.Int64Counter("orchestrator.scheduler.jobs_fired",
		metric.WithDescription("Total scheduled job runs fired"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduledJobsFailed, err = meter.Int64Counter("orchestrator.scheduler.jobs_failed",
		metric.WithDescription("Total scheduled job runs that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryTasksPaused, err = meter.Int64Counter("orchestrator.recovery.tasks_paused",
		metric.WithDescription("Total tasks paused by the startup recovery pass"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
