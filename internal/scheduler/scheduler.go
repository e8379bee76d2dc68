// Package scheduler is the Scheduled Job Engine: a background loop that
// polls for due cron-triggered jobs and fires an injected executor for
// each, recording the outcome and computing the next run time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	otelpkg "github.com/basket/nova-orchestrator/internal/otel"
	"github.com/basket/nova-orchestrator/internal/persistence"
	"github.com/basket/nova-orchestrator/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime returns the smallest time strictly after `after` that the
// cron expression matches. Returns an error for an unparseable expression.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// JobExecutor performs the actual work for a scheduled job. Returning an
// error marks the run failed; the job still gets a next_run unless its
// cron expression is invalid.
type JobExecutor func(ctx context.Context, job persistence.ScheduledJob) error

// Config holds the dependencies for the Scheduler.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Interval time.Duration // poll interval; defaults to 60s
	Executor JobExecutor
}

// Scheduler polls the store for due jobs and fires each one.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration
	executor JobExecutor

	metrics *otelpkg.Metrics
	tracer  trace.Tracer

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetMetrics wires metric instruments and a tracer into the scheduler.
// Either may be nil, in which case the corresponding instrumentation is
// skipped.
func (s *Scheduler) SetMetrics(metrics *otelpkg.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = metrics
}

// SetTracer wires a tracer into the scheduler for per-run spans.
func (s *Scheduler) SetTracer(tracer trace.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = tracer
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
		executor: cfg.Executor,
	}
}

// SetExecutor wires the job executor callback. A nil executor makes every
// due job a no-op success, which is useful in tests.
func (s *Scheduler) SetExecutor(executor JobExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = executor
}

// Start begins the polling loop. Idempotent: calling Start twice without an
// intervening Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueScheduledJobs(ctx, now)
	if err != nil {
		s.logger.Warn("scheduler: failed to query due jobs", "error", err)
		return
	}
	for _, job := range due {
		s.fire(ctx, job, now)
	}
}

// fire runs a single job's executor and records the outcome. Invalid cron
// expressions are logged and leave next_run unset rather than failing the
// run or crashing the loop. Every log line for this run carries a fresh
// trace_id, generated here and threaded through ctx, so a job's mark-running,
// executor, and mark-done log lines can be correlated even when other jobs
// interleave on the same poll tick.
func (s *Scheduler) fire(ctx context.Context, job persistence.ScheduledJob, now time.Time) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := shared.ContextLogger(s.logger, ctx)

	s.mu.Lock()
	tracer := s.tracer
	s.mu.Unlock()
	if tracer != nil {
		var span trace.Span
		ctx, span = otelpkg.StartSpan(ctx, tracer, "scheduler.fire", otelpkg.AttrJobID.String(job.JobID))
		defer span.End()
	}

	if err := s.store.BeginJobRun(ctx, job.JobID, now); err != nil {
		logger.Warn("scheduler: failed to mark job running", "job_id", job.JobID, "error", err)
		return
	}

	s.mu.Lock()
	executor := s.executor
	s.mu.Unlock()

	var runErr error
	if executor != nil {
		runErr = executor(ctx, job)
	}

	status := "success"
	if runErr != nil {
		status = "failed"
		logger.Warn("scheduler: job execution failed", "job_id", job.JobID, "error", runErr)
	}

	s.mu.Lock()
	metrics := s.metrics
	s.mu.Unlock()
	if metrics != nil {
		metrics.ScheduledJobsFired.Add(ctx, 1)
		if runErr != nil {
			metrics.ScheduledJobsFailed.Add(ctx, 1)
		}
	}

	nextRun, err := NextRunTime(job.CronExpression, now)
	var nextRunPtr *time.Time
	if err != nil {
		logger.Error("scheduler: invalid cron expression, next_run left unset",
			"job_id", job.JobID, "cron_expression", job.CronExpression, "error", err)
	} else {
		nextRunPtr = &nextRun
	}

	if err := s.store.EndJobRun(ctx, job.JobID, status, nextRunPtr); err != nil {
		logger.Warn("scheduler: failed to record job run outcome", "job_id", job.JobID, "error", err)
		return
	}

	logger.Info("scheduler: job fired", "job_id", job.JobID, "status", status, "next_run", nextRunPtr)
}

// RegisterJob registers a new job, computing its first next_run from the
// cron expression evaluated against now.
func (s *Scheduler) RegisterJob(ctx context.Context, jobID, jobName, cronExpr string, autoResume bool) error {
	nextRun, err := NextRunTime(cronExpr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron expression %q: %w", cronExpr, err)
	}
	return s.store.RegisterScheduledJob(ctx, jobID, jobName, cronExpr, autoResume, nextRun)
}

// ToggleJob enables or disables a registered job.
func (s *Scheduler) ToggleJob(ctx context.Context, jobID string, enabled bool) error {
	return s.store.ToggleScheduledJob(ctx, jobID, enabled)
}

// ListJobs returns every registered job.
func (s *Scheduler) ListJobs(ctx context.Context) ([]persistence.ScheduledJob, error) {
	return s.store.GetScheduledJobs(ctx)
}

// SaveJobCheckpoint records the checkpoint a job's executor produced during a
// run, so the next auto_resume fire can hand job.LastCheckpointID back to it.
// Left for the injected executor to call (closing over the Scheduler or
// Store) since the core doesn't interpret what a job's checkpoint contains.
func (s *Scheduler) SaveJobCheckpoint(ctx context.Context, jobID string, checkpointID int64) error {
	if err := s.store.SetJobCheckpoint(ctx, jobID, checkpointID); err != nil {
		return fmt.Errorf("scheduler: save checkpoint for job %s: %w", jobID, err)
	}
	return nil
}
