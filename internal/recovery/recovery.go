// Package recovery implements the Startup Recovery pass: reconciling
// durable state after a crash or restart. Every running task is paused
// conservatively regardless of heartbeat freshness (we cannot tell from the
// database alone whether its process is actually gone), every processing
// deployment is marked failed, and a human-readable report is produced for
// the operator.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/nova-orchestrator/internal/audit"
	otelpkg "github.com/basket/nova-orchestrator/internal/otel"
	"github.com/basket/nova-orchestrator/internal/persistence"
)

// Summary reports what the recovery pass did.
type Summary struct {
	RunningTasksFound       int
	TasksPaused             int
	CheckpointsCreated      int
	DeploymentsMarkedFailed int
}

// PausedTaskReport describes one resumable task for the operator report.
type PausedTaskReport struct {
	TaskID               string
	SubagentName         string
	ProjectID            *int64
	StartedAt            time.Time
	AvailableCheckpoints int
}

// FailedDeploymentReport describes one retryable failed deployment.
type FailedDeploymentReport struct {
	ID             int64
	DeploymentType string
	TargetService  string
	Error          string
	RetryCount     int
}

// Report is the detailed recovery report, generated separately from Summary
// so it can be re-run idempotently without repeating the recovery actions.
type Report struct {
	PausedTasks       []PausedTaskReport
	FailedDeployments []FailedDeploymentReport
	ActiveCheckpoints int
	GeneratedAt       time.Time
}

// Recovery is the Startup Recovery component.
type Recovery struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otelpkg.Metrics
}

// New builds a Recovery pass.
func New(store *persistence.Store, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{store: store, logger: logger.With("component", "recovery")}
}

// SetMetrics wires metric instruments into the recovery pass. A nil metrics
// value disables instrumentation.
func (r *Recovery) SetMetrics(metrics *otelpkg.Metrics) {
	r.metrics = metrics
}

// RecoverInterruptedWork is the main entry point, run once at startup before
// the coordinator and scheduler loops begin. It pauses every task still
// marked running (its process is gone regardless of how fresh its last
// heartbeat looked) and fails every deployment still marked processing,
// since neither can have made progress while the orchestrator was down.
func (r *Recovery) RecoverInterruptedWork(ctx context.Context) (Summary, error) {
	var summary Summary

	running, err := r.store.RunningTasks(ctx)
	if err != nil {
		return summary, fmt.Errorf("recovery: list running tasks: %w", err)
	}
	summary.RunningTasksFound = len(running)

	for _, task := range running {
		if task.CurrentState != "" {
			if _, err := r.store.CreateCheckpoint(ctx, task.TaskID, task.CurrentState, "recovery"); err != nil {
				r.logger.Error("recovery: failed to checkpoint task before pausing", "task_id", task.TaskID, "error", err)
			} else {
				summary.CheckpointsCreated++
			}
		}
		if err := r.store.ForcePauseTask(ctx, task.TaskID); err != nil {
			r.logger.Error("recovery: failed to pause task", "task_id", task.TaskID, "error", err)
			continue
		}
		summary.TasksPaused++
		audit.Record("paused", "task.recovery_pause", "process restart", task.TaskID, task.SubagentName)
		if r.metrics != nil {
			r.metrics.RecoveryTasksPaused.Add(ctx, 1)
		}
		r.logger.Info("recovery: paused interrupted task", "task_id", task.TaskID, "subagent_name", task.SubagentName)
	}

	processing, err := r.store.ProcessingItems(ctx)
	if err != nil {
		return summary, fmt.Errorf("recovery: list processing deployments: %w", err)
	}
	for _, item := range processing {
		if err := r.store.UpdateQueueStatus(ctx, item.ID, persistence.QueueStatusFailed, "Deployment interrupted by system restart"); err != nil {
			r.logger.Error("recovery: failed to mark deployment failed", "queue_id", item.ID, "error", err)
			continue
		}
		summary.DeploymentsMarkedFailed++
		audit.Record("failed", "deployment.recovery_fail", "system restart", fmt.Sprintf("queue:%d", item.ID), item.TargetService)
		r.logger.Info("recovery: marked interrupted deployment failed", "queue_id", item.ID, "target_service", item.TargetService)
	}

	r.logger.Info("recovery complete",
		"running_tasks_found", summary.RunningTasksFound,
		"tasks_paused", summary.TasksPaused,
		"checkpoints_created", summary.CheckpointsCreated,
		"deployments_marked_failed", summary.DeploymentsMarkedFailed)

	return summary, nil
}

// GenerateReport produces a point-in-time view of what an operator can act
// on: resumable paused tasks and retryable failed deployments. Safe to call
// repeatedly; it never mutates state.
func (r *Recovery) GenerateReport(ctx context.Context) (Report, error) {
	report := Report{GeneratedAt: time.Now().UTC()}

	paused, err := r.store.GetActiveTasksByStatus(ctx, persistence.TaskStatusPaused)
	if err != nil {
		return report, fmt.Errorf("recovery: list paused tasks: %w", err)
	}
	for _, task := range paused {
		checkpoints, err := r.store.RecentCheckpoints(ctx, task.TaskID, 5)
		if err != nil {
			return report, fmt.Errorf("recovery: list checkpoints for %s: %w", task.TaskID, err)
		}
		report.PausedTasks = append(report.PausedTasks, PausedTaskReport{
			TaskID:               task.TaskID,
			SubagentName:         task.SubagentName,
			ProjectID:            task.ProjectID,
			StartedAt:            task.StartedAt,
			AvailableCheckpoints: len(checkpoints),
		})
	}

	retryable, err := r.store.RetryableFailedItems(ctx)
	if err != nil {
		return report, fmt.Errorf("recovery: list retryable deployments: %w", err)
	}
	for _, item := range retryable {
		report.FailedDeployments = append(report.FailedDeployments, FailedDeploymentReport{
			ID:             item.ID,
			DeploymentType: string(item.DeploymentType),
			TargetService:  item.TargetService,
			Error:          item.ErrorMessage,
			RetryCount:     item.RetryCount,
		})
	}

	activeCheckpoints, err := r.store.AllActiveCheckpoints(ctx)
	if err != nil {
		return report, fmt.Errorf("recovery: list active checkpoints: %w", err)
	}
	report.ActiveCheckpoints = len(activeCheckpoints)

	return report, nil
}

// CleanupOldCheckpoints removes inactive checkpoints older than retention.
func (r *Recovery) CleanupOldCheckpoints(ctx context.Context, retention time.Duration) (int, error) {
	n, err := r.store.CleanupOldCheckpoints(ctx, retention)
	if err != nil {
		return 0, fmt.Errorf("recovery: cleanup old checkpoints: %w", err)
	}
	return n, nil
}

// RetryDeployment resets a single failed deployment back to pending.
func (r *Recovery) RetryDeployment(ctx context.Context, id int64) error {
	if err := r.store.RetryDeployment(ctx, id); err != nil {
		return fmt.Errorf("recovery: retry deployment %d: %w", id, err)
	}
	return nil
}

// Announcement renders a human-readable summary for a startup notification,
// combining the recovery actions taken with the follow-up report.
func Announcement(summary Summary, report Report) string {
	var b strings.Builder
	b.WriteString("SYSTEM RECOVERY REPORT\n")
	b.WriteString(strings.Repeat("=", 30) + "\n")

	if summary.RunningTasksFound > 0 {
		fmt.Fprintf(&b, "Interrupted tasks found: %d\n", summary.RunningTasksFound)
		fmt.Fprintf(&b, "Tasks paused: %d\n", summary.TasksPaused)
		fmt.Fprintf(&b, "Checkpoints saved: %d\n", summary.CheckpointsCreated)
	} else {
		b.WriteString("No interrupted tasks found.\n")
	}

	if len(report.PausedTasks) > 0 {
		b.WriteString("\nPAUSED TASKS (can be resumed):\n")
		for _, task := range report.PausedTasks {
			id := task.TaskID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Fprintf(&b, "  - %s (%s...)\n", task.SubagentName, id)
			if task.AvailableCheckpoints > 0 {
				fmt.Fprintf(&b, "    Checkpoints: %d\n", task.AvailableCheckpoints)
			}
		}
	}

	if len(report.FailedDeployments) > 0 {
		b.WriteString("\nFAILED DEPLOYMENTS:\n")
		for _, d := range report.FailedDeployments {
			fmt.Fprintf(&b, "  - %s for %s\n", d.DeploymentType, d.TargetService)
			fmt.Fprintf(&b, "    Error: %s\n", truncate(d.Error, 50))
		}
	}

	b.WriteString("\nSystem is now operational.\n")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
