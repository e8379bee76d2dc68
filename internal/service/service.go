// Package service provides the DeploymentService facade: a single
// dependency-injected entry point wiring the task tracker, deployment
// queue, coordinator, scheduler and recovery pass together. Unlike the
// process it's grounded on, this is constructed explicitly per-caller
// rather than reached through a package-level singleton.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/nova-orchestrator/internal/coordinator"
	"github.com/basket/nova-orchestrator/internal/notify"
	otelpkg "github.com/basket/nova-orchestrator/internal/otel"
	"github.com/basket/nova-orchestrator/internal/persistence"
	"github.com/basket/nova-orchestrator/internal/queue"
	"github.com/basket/nova-orchestrator/internal/recovery"
	"github.com/basket/nova-orchestrator/internal/scheduler"
	"github.com/basket/nova-orchestrator/internal/tracker"
)

// Config holds everything needed to assemble a Service. Queue, Tracker,
// Coordinator and Scheduler are built from Store if not supplied directly,
// so callers can either hand in fully wired components or just a Store and
// the callback pair.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Notifier notify.Handler // defaults to notify.NewLogHandler

	DeploymentExecutor coordinator.Executor
	ScheduledExecutor  scheduler.JobExecutor

	CoordinatorInterval time.Duration
	SchedulerInterval   time.Duration

	// StaleSweepInterval and StaleTaskMaxAge configure the background stale
	// task sweeper (spec.md's "stale-task sweeper"): every StaleSweepInterval
	// it fails running tasks whose heartbeat is older than StaleTaskMaxAge.
	// Both default inside tracker.NewStaleSweeper when left zero.
	StaleSweepInterval time.Duration
	StaleTaskMaxAge    time.Duration

	// Otel, if non-nil, wires metrics and tracing into every component and
	// registers the queue-depth/active-task observable gauges. A nil value
	// (the zero Config) leaves the service fully functional but uninstrumented.
	Otel *otelpkg.Provider
}

// Service is the DeploymentService facade.
type Service struct {
	store       *persistence.Store
	logger      *slog.Logger
	notifier    notify.Handler
	tracker     *tracker.Tracker
	queue       *queue.Manager
	coordinator *coordinator.Coordinator
	scheduler   *scheduler.Scheduler
	recovery    *recovery.Recovery
	sweeper     *tracker.StaleSweeper
	tracer      trace.Tracer
}

// New assembles a Service from Config. The task tracker's active count is
// wired as the queue's worker-count callback, matching the coordination
// chain the queue's destructive-deployment guard depends on.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogHandler(logger)
	}

	trk := tracker.New(cfg.Store, nil, logger)
	q := queue.New(cfg.Store, nil, logger, trk.GetActiveCount, notify.AsNotifyFunc(notifier))
	coord := coordinator.New(coordinator.Config{
		Queue:    q,
		Tracker:  trk,
		Notifier: notifier,
		Logger:   logger,
		Interval: cfg.CoordinatorInterval,
		Executor: cfg.DeploymentExecutor,
	})
	sched := scheduler.New(scheduler.Config{
		Store:    cfg.Store,
		Logger:   logger,
		Interval: cfg.SchedulerInterval,
		Executor: cfg.ScheduledExecutor,
	})
	rec := recovery.New(cfg.Store, logger)
	sweeper := tracker.NewStaleSweeper(trk, logger, cfg.StaleSweepInterval, cfg.StaleTaskMaxAge)

	svc := &Service{
		store:       cfg.Store,
		logger:      logger.With("component", "service"),
		notifier:    notifier,
		tracker:     trk,
		queue:       q,
		coordinator: coord,
		scheduler:   sched,
		recovery:    rec,
		sweeper:     sweeper,
	}

	if cfg.Otel != nil {
		if err := svc.wireTelemetry(cfg.Otel); err != nil {
			svc.logger.Error("service: failed to wire telemetry, continuing uninstrumented", "error", err)
		}
	}

	return svc
}

// wireTelemetry builds the shared metric instrument set from provider.Meter,
// hands it and the tracer to every component, and registers the queue-depth
// and active-task-count observable gauges. Failure here never prevents the
// service from running; it just leaves that component uninstrumented.
func (s *Service) wireTelemetry(provider *otelpkg.Provider) error {
	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("build metrics: %w", err)
	}

	s.coordinator.SetTelemetry(metrics, provider.Tracer)
	s.scheduler.SetMetrics(metrics)
	s.scheduler.SetTracer(provider.Tracer)
	s.tracker.SetMetrics(metrics)
	s.recovery.SetMetrics(metrics)
	s.tracer = provider.Tracer

	_, err = provider.Meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		items, err := s.queue.Status(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(metrics.QueueDepth, int64(len(items)))
		return nil
	}, metrics.QueueDepth)
	if err != nil {
		return fmt.Errorf("register queue depth callback: %w", err)
	}

	_, err = provider.Meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := s.tracker.GetActiveCount(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(metrics.ActiveTaskCount, int64(n))
		return nil
	}, metrics.ActiveTaskCount)
	if err != nil {
		return fmt.Errorf("register active task count callback: %w", err)
	}

	return nil
}

// SetDeploymentExecutor rewires the coordinator's deployment executor after
// construction, for callers that need to break an initialization cycle
// between the service and the executor it drives.
func (s *Service) SetDeploymentExecutor(executor coordinator.Executor) {
	s.coordinator.SetExecutor(executor)
}

// SetScheduledExecutor rewires the scheduler's job executor.
func (s *Service) SetScheduledExecutor(executor scheduler.JobExecutor) {
	s.scheduler.SetExecutor(executor)
}

// Recover runs the startup recovery pass. Callers should invoke this once,
// before Start, so the coordinator and scheduler loops begin against a
// clean slate rather than racing interrupted work.
func (s *Service) Recover(ctx context.Context) (recovery.Summary, error) {
	return s.recovery.RecoverInterruptedWork(ctx)
}

// RecoveryReport produces the operator-facing recovery report without
// mutating any state. Safe to call at any time, not just at startup.
func (s *Service) RecoveryReport(ctx context.Context) (recovery.Report, error) {
	return s.recovery.GenerateReport(ctx)
}

// Start begins the coordinator, scheduler and stale-task sweeper
// background loops.
func (s *Service) Start(ctx context.Context) {
	s.coordinator.Start(ctx)
	s.scheduler.Start(ctx)
	s.sweeper.Start(ctx)
	s.logger.Info("deployment service started")
}

// Stop halts both background loops and waits for them to exit.
func (s *Service) Stop() {
	s.coordinator.Stop()
	s.scheduler.Stop()
	s.sweeper.Stop()
	s.logger.Info("deployment service stopped")
}

// ==================== Task Management ====================

// RegisterTask registers a new task with the tracker.
func (s *Service) RegisterTask(ctx context.Context, task persistence.ActiveTask) error {
	return s.tracker.RegisterTask(ctx, task)
}

// CompleteTask marks a task completed, recording its final state if given.
func (s *Service) CompleteTask(ctx context.Context, taskID, finalState string) error {
	return s.tracker.UnregisterTask(ctx, taskID, finalState)
}

// UpdateTaskHeartbeat refreshes a task's liveness marker.
func (s *Service) UpdateTaskHeartbeat(ctx context.Context, taskID string) error {
	return s.tracker.UpdateHeartbeat(ctx, taskID)
}

// UpdateTaskProgress records a task's completion percentage.
func (s *Service) UpdateTaskProgress(ctx context.Context, taskID string, progress int) error {
	return s.tracker.UpdateProgress(ctx, taskID, progress)
}

// UpdateTaskState overwrites a task's resumable state blob.
func (s *Service) UpdateTaskState(ctx context.Context, taskID, state string) error {
	return s.tracker.UpdateState(ctx, taskID, state)
}

// GetTaskState returns a task's current state blob.
func (s *Service) GetTaskState(ctx context.Context, taskID string) (string, error) {
	return s.tracker.GetTaskState(ctx, taskID)
}

// CreateTaskCheckpoint stores a new checkpoint for a task.
func (s *Service) CreateTaskCheckpoint(ctx context.Context, taskID, state, checkpointType string) (int64, error) {
	if checkpointType == "" {
		checkpointType = "manual"
	}
	return s.tracker.CreateCheckpoint(ctx, taskID, state, checkpointType)
}

// GetActiveTasks lists running tasks, optionally filtered by project and subagent.
func (s *Service) GetActiveTasks(ctx context.Context, projectID *int64, subagentName string) ([]persistence.ActiveTask, error) {
	return s.tracker.GetActiveTasks(ctx, projectID, subagentName)
}

// GetActiveTaskCount returns the number of running tasks.
func (s *Service) GetActiveTaskCount(ctx context.Context) (int, error) {
	return s.tracker.GetActiveCount(ctx)
}

// ==================== Deployment Queue ====================

// QueueDeployment queues a deployment for execution. priority is an
// optional case-insensitive name ("low", "normal", "high", "critical");
// an empty or unrecognized value is passed through unset and left for
// Manager.Enqueue to default per deployment type (destructive actions
// default to high, everything else to normal), matching add_to_queue's
// priority policy. An unrecognized non-empty value is logged and treated
// as unset rather than silently discarded. Unlike the callback this is
// grounded on, which parsed the priority string but silently discarded
// the result, the parsed priority here is actually forwarded to the
// queued item.
func (s *Service) QueueDeployment(ctx context.Context, deploymentType persistence.DeploymentType, targetService, requestedBy, reason, priority string) (int64, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = otelpkg.StartServerSpan(ctx, s.tracer, "service.queue_deployment",
			otelpkg.AttrDeploymentType.String(string(deploymentType)),
			otelpkg.AttrTargetService.String(targetService),
		)
		defer span.End()
	}

	var prio persistence.QueuePriority
	if priority != "" {
		parsed, ok := persistence.ParsePriority(priority)
		if !ok {
			s.logger.Warn("invalid priority, deferring to type-derived default", "priority", priority)
		} else {
			prio = parsed
		}
	}
	return s.queue.Enqueue(ctx, persistence.DeploymentQueueItem{
		DeploymentType: deploymentType,
		TargetService:  targetService,
		Priority:       prio,
		RequestedBy:    requestedBy,
		Reason:         reason,
	})
}

// CancelDeployment cancels a pending deployment.
func (s *Service) CancelDeployment(ctx context.Context, queueID int64) error {
	return s.queue.Cancel(ctx, queueID)
}

// GetQueueStatus returns every queue item regardless of status, in run order.
func (s *Service) GetQueueStatus(ctx context.Context) ([]persistence.DeploymentQueueItem, error) {
	return s.queue.Status(ctx)
}

// ==================== Scheduled Jobs ====================

// RegisterScheduledJob registers a new cron-triggered job.
func (s *Service) RegisterScheduledJob(ctx context.Context, jobID, jobName, cronExpr string, autoResume bool) error {
	return s.scheduler.RegisterJob(ctx, jobID, jobName, cronExpr, autoResume)
}

// ToggleScheduledJob enables or disables a registered job.
func (s *Service) ToggleScheduledJob(ctx context.Context, jobID string, enabled bool) error {
	return s.scheduler.ToggleJob(ctx, jobID, enabled)
}

// GetScheduledJobs returns every registered job.
func (s *Service) GetScheduledJobs(ctx context.Context) ([]persistence.ScheduledJob, error) {
	return s.scheduler.ListJobs(ctx)
}

// ==================== Utility ====================

// Status is the aggregate view returned by SystemStatus.
type Status struct {
	ActiveTasks   int
	QueueItems    int
	ScheduledJobs int
	QueuePreview  []persistence.DeploymentQueueItem // first few pending items
}

const queuePreviewLimit = 5

// SystemStatus reports overall system health: active task count, queue
// depth, scheduled job count, and a short preview of what's pending.
func (s *Service) SystemStatus(ctx context.Context) (Status, error) {
	activeTasks, err := s.GetActiveTaskCount(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("service: system status: active task count: %w", err)
	}
	queueStatus, err := s.GetQueueStatus(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("service: system status: queue status: %w", err)
	}
	jobs, err := s.GetScheduledJobs(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("service: system status: scheduled jobs: %w", err)
	}

	var preview []persistence.DeploymentQueueItem
	for _, item := range queueStatus {
		if item.Status != persistence.QueueStatusPending {
			continue
		}
		preview = append(preview, item)
		if len(preview) == queuePreviewLimit {
			break
		}
	}

	return Status{
		ActiveTasks:   activeTasks,
		QueueItems:    len(queueStatus),
		ScheduledJobs: len(jobs),
		QueuePreview:  preview,
	}, nil
}
