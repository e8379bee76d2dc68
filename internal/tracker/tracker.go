// Package tracker implements the Task Tracker: the durable registry of
// active work, its checkpoints and heartbeats. It wraps persistence.Store
// with a small in-memory mirror so status reads on a hot path (heartbeats,
// progress pings) don't need a round trip, while every mutation still goes
// through the database first.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/nova-orchestrator/internal/audit"
	"github.com/basket/nova-orchestrator/internal/bus"
	otelpkg "github.com/basket/nova-orchestrator/internal/otel"
	"github.com/basket/nova-orchestrator/internal/persistence"
)

// cacheEntry mirrors the fields of active_tasks a caller is likely to poll
// repeatedly between heartbeats.
type cacheEntry struct {
	status        persistence.TaskStatus
	lastHeartbeat time.Time
	progress      int
}

// Tracker is the Task Tracker component.
type Tracker struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	metrics *otelpkg.Metrics
}

// New builds a Tracker. bus and logger may be nil.
func New(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		bus:    b,
		logger: logger.With("component", "tracker"),
		cache:  make(map[string]cacheEntry),
	}
}

// SetMetrics wires metric instruments into the tracker. A nil metrics value
// disables instrumentation.
func (t *Tracker) SetMetrics(metrics *otelpkg.Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = metrics
}

// RegisterTask records a new running task. It returns persistence.ErrTaskExists
// if task_id collides with one already tracked.
func (t *Tracker) RegisterTask(ctx context.Context, task persistence.ActiveTask) error {
	if err := t.store.RegisterTask(ctx, task); err != nil {
		return fmt.Errorf("tracker: register task %s: %w", task.TaskID, err)
	}
	t.setCache(task.TaskID, persistence.TaskStatusRunning, time.Now().UTC(), 0)
	t.publish(task.TaskID, "", string(persistence.TaskStatusRunning))
	t.logger.Info("task registered", "task_id", task.TaskID, "task_type", task.TaskType)
	return nil
}

// TaskExists reports whether task_id is known, regardless of status.
func (t *Tracker) TaskExists(ctx context.Context, taskID string) (bool, error) {
	return t.store.TaskExists(ctx, taskID)
}

// UnregisterTask marks a task completed. finalState, if non-empty,
// overwrites the last recorded state blob.
func (t *Tracker) UnregisterTask(ctx context.Context, taskID string, finalState string) error {
	var statePtr *string
	if finalState != "" {
		statePtr = &finalState
	}
	if err := t.store.UnregisterTask(ctx, taskID, statePtr); err != nil {
		return fmt.Errorf("tracker: unregister task %s: %w", taskID, err)
	}
	t.dropCache(taskID)
	t.publish(taskID, "running", string(persistence.TaskStatusCompleted))
	t.logger.Info("task unregistered", "task_id", taskID)
	return nil
}

// UpdateHeartbeat refreshes a task's liveness marker. Callers are expected
// to invoke this roughly every HeartbeatInterval while work is in progress.
func (t *Tracker) UpdateHeartbeat(ctx context.Context, taskID string) error {
	if err := t.store.UpdateHeartbeat(ctx, taskID); err != nil {
		return fmt.Errorf("tracker: heartbeat %s: %w", taskID, err)
	}
	t.touchCache(taskID, time.Now().UTC())
	return nil
}

// UpdateProgress records a task's completion percentage, clamped to [0,100].
func (t *Tracker) UpdateProgress(ctx context.Context, taskID string, progress int) error {
	if err := t.store.UpdateProgress(ctx, taskID, progress); err != nil {
		return fmt.Errorf("tracker: progress %s: %w", taskID, err)
	}
	t.setCacheProgress(taskID, progress)
	return nil
}

// UpdateState overwrites the task's opaque serialized state blob, used by a
// subagent to checkpoint its own resumable progress.
func (t *Tracker) UpdateState(ctx context.Context, taskID, state string) error {
	if err := t.store.UpdateState(ctx, taskID, state); err != nil {
		return fmt.Errorf("tracker: update state %s: %w", taskID, err)
	}
	return nil
}

// GetTaskState returns the task's current state blob.
func (t *Tracker) GetTaskState(ctx context.Context, taskID string) (string, error) {
	return t.store.GetTaskState(ctx, taskID)
}

// GetActiveTasks lists running tasks, optionally filtered.
func (t *Tracker) GetActiveTasks(ctx context.Context, projectID *int64, subagentName string) ([]persistence.ActiveTask, error) {
	return t.store.GetActiveTasks(ctx, projectID, subagentName)
}

// GetActiveCount returns the number of running tasks. This is the default
// worker-count callback wired into the queue manager.
func (t *Tracker) GetActiveCount(ctx context.Context) (int, error) {
	return t.store.GetActiveCount(ctx)
}

// PauseTask transitions a running task to paused, checkpointing its state
// first if it has any recorded.
func (t *Tracker) PauseTask(ctx context.Context, taskID string) error {
	if err := t.store.PauseTask(ctx, taskID); err != nil {
		return fmt.Errorf("tracker: pause %s: %w", taskID, err)
	}
	t.setCacheStatus(taskID, persistence.TaskStatusPaused)
	t.publish(taskID, string(persistence.TaskStatusRunning), string(persistence.TaskStatusPaused))
	audit.Record("paused", "task.pause", "", taskID, "")
	if t.metrics != nil {
		t.metrics.TasksPaused.Add(ctx, 1)
	}
	t.logger.Info("task paused", "task_id", taskID)
	return nil
}

// ResumeTask transitions a paused task back to running, restoring its
// latest checkpoint if one exists.
func (t *Tracker) ResumeTask(ctx context.Context, taskID string) error {
	if err := t.store.ResumeTask(ctx, taskID); err != nil {
		return fmt.Errorf("tracker: resume %s: %w", taskID, err)
	}
	t.setCacheStatus(taskID, persistence.TaskStatusRunning)
	t.publish(taskID, string(persistence.TaskStatusPaused), string(persistence.TaskStatusRunning))
	audit.Record("resumed", "task.resume", "", taskID, "")
	t.logger.Info("task resumed", "task_id", taskID)
	return nil
}

// PauseAllActive pauses every running task ahead of a destructive
// deployment, returning the count paused.
func (t *Tracker) PauseAllActive(ctx context.Context) (int, error) {
	n, err := t.store.PauseAllActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("tracker: pause all active: %w", err)
	}
	t.mu.Lock()
	for id, entry := range t.cache {
		if entry.status == persistence.TaskStatusRunning {
			entry.status = persistence.TaskStatusPaused
			t.cache[id] = entry
		}
	}
	t.mu.Unlock()
	if n > 0 {
		t.logger.Info("paused all active tasks", "count", n)
		if t.metrics != nil {
			t.metrics.TasksPaused.Add(ctx, int64(n))
		}
	}
	return n, nil
}

// ResumePausedTasks resumes every paused task after a deployment completes
// or fails, without restoring per-task state.
func (t *Tracker) ResumePausedTasks(ctx context.Context) (int, error) {
	n, err := t.store.ResumePausedTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("tracker: resume paused tasks: %w", err)
	}
	t.mu.Lock()
	for id, entry := range t.cache {
		if entry.status == persistence.TaskStatusPaused {
			entry.status = persistence.TaskStatusRunning
			t.cache[id] = entry
		}
	}
	t.mu.Unlock()
	if n > 0 {
		t.logger.Info("resumed paused tasks", "count", n)
	}
	return n, nil
}

// CleanupStaleTasks fails any running task whose heartbeat is older than
// maxAge. Returns the count affected.
func (t *Tracker) CleanupStaleTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := t.store.CleanupStaleTasks(ctx, maxAge)
	if err != nil {
		return 0, fmt.Errorf("tracker: cleanup stale tasks: %w", err)
	}
	if n > 0 {
		t.logger.Warn("marked stale tasks failed", "count", n, "max_age", maxAge)
		audit.Record("failed", "task.stale_sweep", fmt.Sprintf("no heartbeat for %s", maxAge), "", fmt.Sprintf("%d task(s)", n))
		if t.metrics != nil {
			t.metrics.TasksStale.Add(ctx, int64(n))
		}
		if t.bus != nil {
			t.bus.Publish(bus.TopicTaskStale, n)
		}
	}
	return n, nil
}

// CreateCheckpoint stores a new active checkpoint for a task.
func (t *Tracker) CreateCheckpoint(ctx context.Context, taskID, state, checkpointType string) (int64, error) {
	id, err := t.store.CreateCheckpoint(ctx, taskID, state, checkpointType)
	if err != nil {
		return 0, fmt.Errorf("tracker: create checkpoint %s: %w", taskID, err)
	}
	return id, nil
}

// LatestCheckpoint returns the most recent active checkpoint for a task, or
// nil if none exists.
func (t *Tracker) LatestCheckpoint(ctx context.Context, taskID string) (*persistence.TaskCheckpoint, error) {
	return t.store.LatestCheckpoint(ctx, taskID)
}

// CleanupOldCheckpoints removes inactive checkpoints older than retention.
func (t *Tracker) CleanupOldCheckpoints(ctx context.Context, retention time.Duration) (int, error) {
	n, err := t.store.CleanupOldCheckpoints(ctx, retention)
	if err != nil {
		return 0, fmt.Errorf("tracker: cleanup old checkpoints: %w", err)
	}
	return n, nil
}

func (t *Tracker) publish(taskID, oldStatus, newStatus string) {
	if t.bus == nil {
		return
	}
	topic := bus.TopicTaskRegistered
	switch newStatus {
	case string(persistence.TaskStatusPaused):
		topic = bus.TopicTaskPaused
	case string(persistence.TaskStatusCompleted):
		topic = bus.TopicTaskCompleted
	default:
		if oldStatus == string(persistence.TaskStatusPaused) {
			topic = bus.TopicTaskResumed
		}
	}
	t.bus.Publish(topic, bus.TaskStateChangedEvent{TaskID: taskID, OldStatus: oldStatus, NewStatus: newStatus})
}

func (t *Tracker) setCache(taskID string, status persistence.TaskStatus, heartbeat time.Time, progress int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[taskID] = cacheEntry{status: status, lastHeartbeat: heartbeat, progress: progress}
}

func (t *Tracker) setCacheStatus(taskID string, status persistence.TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.cache[taskID]
	entry.status = status
	t.cache[taskID] = entry
}

func (t *Tracker) setCacheProgress(taskID string, progress int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.cache[taskID]
	entry.progress = progress
	t.cache[taskID] = entry
}

func (t *Tracker) touchCache(taskID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.cache[taskID]
	entry.lastHeartbeat = at
	t.cache[taskID] = entry
}

func (t *Tracker) dropCache(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cache, taskID)
}
