// Package coordinator implements the Deployment Coordinator's queue-drain
// loop: pull the next eligible deployment, pause active work if it's
// destructive, run the injected executor, and resume work regardless of
// outcome. The companion scheduled-job loop lives in internal/scheduler.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/nova-orchestrator/internal/audit"
	"github.com/basket/nova-orchestrator/internal/notify"
	otelpkg "github.com/basket/nova-orchestrator/internal/otel"
	"github.com/basket/nova-orchestrator/internal/persistence"
	"github.com/basket/nova-orchestrator/internal/queue"
	"github.com/basket/nova-orchestrator/internal/shared"
	"github.com/basket/nova-orchestrator/internal/tracker"
)

// Executor performs the actual deployment work for a queue item. Returning
// an error marks the deployment failed; the error's message is recorded on
// the queue item and included in the failure notification.
type Executor func(ctx context.Context, item persistence.DeploymentQueueItem) error

// Config holds the Coordinator's dependencies.
type Config struct {
	Queue    *queue.Manager
	Tracker  *tracker.Tracker
	Notifier notify.Handler
	Logger   *slog.Logger
	Interval time.Duration // queue-drain poll interval; defaults to 5s
	Executor Executor
}

// Coordinator runs the queue-drain background loop.
type Coordinator struct {
	queue    *queue.Manager
	tracker  *tracker.Tracker
	notifier notify.Handler
	logger   *slog.Logger
	interval time.Duration
	executor Executor

	metrics *otelpkg.Metrics
	tracer  trace.Tracer

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetTelemetry wires metrics and tracing into the coordinator. Either may be
// nil, in which case the corresponding instrumentation is skipped.
func (c *Coordinator) SetTelemetry(metrics *otelpkg.Metrics, tracer trace.Tracer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = metrics
	c.tracer = tracer
}

// New builds a Coordinator. A nil Notifier falls back to a LogHandler.
func New(cfg Config) *Coordinator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogHandler(logger)
	}
	return &Coordinator{
		queue:    cfg.Queue,
		tracker:  cfg.Tracker,
		notifier: notifier,
		logger:   logger.With("component", "coordinator"),
		interval: interval,
		executor: cfg.Executor,
	}
}

// SetExecutor wires the deployment executor callback. A nil executor fails
// every deployment it's asked to run with "no deployment executor configured".
func (c *Coordinator) SetExecutor(executor Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executor = executor
}

// Start begins the queue-drain loop. Idempotent: calling Start twice
// without an intervening Stop is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("coordinator started", "interval", c.interval)
}

// Stop cancels the loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick processes at most one deployment. Exported so the startup recovery
// pass and tests can drive a single iteration deterministically.
func (c *Coordinator) Tick(ctx context.Context) {
	item, err := c.queue.Next(ctx)
	if err != nil {
		c.logger.Error("coordinator: failed to fetch next pending deployment", "error", err)
		return
	}
	if item == nil {
		return
	}
	c.processDeployment(ctx, *item)
}

// processDeployment runs the full lifecycle of one queue item under a
// single trace_id, generated here and threaded through ctx so every log
// line and audit entry produced by the gate check, pause, executor run,
// resume and terminal status update can be correlated back to this one
// deployment run.
func (c *Coordinator) processDeployment(ctx context.Context, item persistence.DeploymentQueueItem) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := shared.ContextLogger(c.logger, ctx)

	ok, reason, err := c.queue.CanProceed(ctx, item.ID)
	if err != nil {
		logger.Error("coordinator: worker check failed", "queue_id", item.ID, "error", err)
		return
	}
	if !ok {
		logger.Info("coordinator: deployment cannot proceed yet", "queue_id", item.ID, "reason", reason)
		return
	}

	if err := c.queue.MarkProcessing(ctx, item.ID); err != nil {
		logger.Error("coordinator: failed to mark processing", "queue_id", item.ID, "error", err)
		return
	}
	correlationID := fmt.Sprintf("queue:%d trace:%s", item.ID, shared.TraceID(ctx))
	audit.Record("started", "deployment.process", "", correlationID, fmt.Sprintf("%s %s", item.DeploymentType, item.TargetService))

	c.notifier.Notify(ctx, "deployment_started", fmt.Sprintf("starting %s for %s", item.DeploymentType, item.TargetService))

	if item.RequiresStatePause {
		paused, err := c.tracker.PauseAllActive(ctx)
		if err != nil {
			logger.Error("coordinator: failed to pause active tasks", "queue_id", item.ID, "error", err)
		} else {
			logger.Info("paused active tasks for deployment", "queue_id", item.ID, "count", paused)
		}
	}

	start := time.Now()
	execErr := c.traceExecutor(ctx, item)
	duration := time.Since(start).Seconds()

	// Active tasks resume whether the deployment succeeded or failed; a
	// subagent pulls its own checkpoint back in when it next checks in.
	if item.RequiresStatePause {
		if n, err := c.tracker.ResumePausedTasks(ctx); err != nil {
			logger.Error("coordinator: failed to resume paused tasks", "queue_id", item.ID, "error", err)
		} else {
			logger.Info("resumed paused tasks after deployment", "queue_id", item.ID, "count", n)
		}
	}

	if c.metrics != nil {
		c.metrics.DeploymentDuration.Record(ctx, duration)
	}

	if execErr == nil {
		if err := c.queue.MarkCompleted(ctx, item.ID); err != nil {
			logger.Error("coordinator: failed to mark completed", "queue_id", item.ID, "error", err)
		}
		audit.Record("completed", "deployment.process", "", correlationID, item.TargetService)
		if c.metrics != nil {
			c.metrics.DeploymentsCompleted.Add(ctx, 1)
		}
		return
	}

	if err := c.queue.MarkFailed(ctx, item.ID, execErr.Error()); err != nil {
		logger.Error("coordinator: failed to mark failed", "queue_id", item.ID, "error", err)
	}
	audit.Record("failed", "deployment.process", execErr.Error(), correlationID, item.TargetService)
	if c.metrics != nil {
		c.metrics.DeploymentsFailed.Add(ctx, 1)
	}
}

// traceExecutor wraps runExecutor in a client span when tracing is wired.
func (c *Coordinator) traceExecutor(ctx context.Context, item persistence.DeploymentQueueItem) error {
	if c.tracer == nil {
		return c.runExecutor(ctx, item)
	}
	ctx, span := otelpkg.StartClientSpan(ctx, c.tracer, "deployment.execute",
		otelpkg.AttrDeploymentID.Int64(item.ID),
		otelpkg.AttrDeploymentType.String(string(item.DeploymentType)),
		otelpkg.AttrTargetService.String(item.TargetService),
	)
	defer span.End()
	err := c.runExecutor(ctx, item)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (c *Coordinator) runExecutor(ctx context.Context, item persistence.DeploymentQueueItem) error {
	c.mu.Lock()
	executor := c.executor
	c.mu.Unlock()

	if executor == nil {
		return fmt.Errorf("no deployment executor configured")
	}
	return executor(ctx, item)
}
