// Package queue implements the Deployment Queue: a priority-ordered,
// concurrency-safe backlog of deployment requests. It wraps
// persistence.Store with the business rules around destructive deployments
// (auto-upgraded priority is handled at the model level; this package
// layers on the worker-count guard and notification hooks the coordinator
// depends on) and leaves execution itself to an injected executor elsewhere.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/nova-orchestrator/internal/bus"
	"github.com/basket/nova-orchestrator/internal/persistence"
)

// WorkerCountFunc reports how many tasks are currently running. The
// coordinator wires this to the task tracker's GetActiveCount by default.
type WorkerCountFunc func(ctx context.Context) (int, error)

// NotifyFunc delivers a human-readable notification about a queue event.
// messageType names the event ("deployment_queued", "deployment_failed",
// ...); message is the rendered text.
type NotifyFunc func(ctx context.Context, messageType, message string)

// Manager is the Deployment Queue component.
type Manager struct {
	store       *persistence.Store
	bus         *bus.Bus
	logger      *slog.Logger
	workerCount WorkerCountFunc
	notify      NotifyFunc

	// mu serializes the manager's own mutating calls as a belt-and-suspenders
	// against DB-level races on simple read-then-write sequences (e.g.
	// CanProceed's fetch-item-then-check-status-then-transition-to-waiting).
	// The database's own transactions are what actually enforce correctness;
	// this just avoids two goroutines racing the same in-process decision.
	mu sync.Mutex
}

// New builds a Manager. bus, workerCount and notify may be nil; a nil
// workerCount always reports zero active workers (no pause guard).
func New(store *persistence.Store, b *bus.Bus, logger *slog.Logger, workerCount WorkerCountFunc, notify NotifyFunc) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if workerCount == nil {
		workerCount = func(context.Context) (int, error) { return 0, nil }
	}
	if notify == nil {
		notify = func(context.Context, string, string) {}
	}
	return &Manager{
		store:       store,
		bus:         b,
		logger:      logger.With("component", "queue"),
		workerCount: workerCount,
		notify:      notify,
	}
}

// Enqueue adds a deployment request to the queue. requires_state_pause is
// always recomputed from the deployment type by the store. If the caller
// leaves Priority unset (the zero value), it defaults to high for a
// destructive deployment type (redeploy, restart) and normal otherwise,
// matching add_to_queue's priority policy.
func (m *Manager) Enqueue(ctx context.Context, item persistence.DeploymentQueueItem) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !item.DeploymentType.Valid() {
		return 0, fmt.Errorf("queue: invalid deployment type %q", item.DeploymentType)
	}
	if item.Priority == 0 {
		if item.DeploymentType.IsDestructive() {
			item.Priority = persistence.PriorityHigh
		} else {
			item.Priority = persistence.PriorityNormal
		}
	}
	id, err := m.store.AddToQueue(ctx, item)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue %s/%s: %w", item.DeploymentType, item.TargetService, err)
	}
	m.logger.Info("deployment queued", "queue_id", id, "type", item.DeploymentType, "target", item.TargetService, "priority", item.Priority)
	if m.bus != nil {
		m.bus.Publish(bus.TopicDeploymentQueued, bus.DeploymentStateChangedEvent{
			QueueID: id, DeploymentType: string(item.DeploymentType), TargetService: item.TargetService, NewStatus: string(persistence.QueueStatusPending),
		})
	}
	// Only destructive deployments notify on enqueue, matching the
	// reference implementation's add_to_queue.
	if item.DeploymentType.IsDestructive() {
		m.notify(ctx, "deployment_queued", fmt.Sprintf("%s queued for %s (priority %d)", item.DeploymentType, item.TargetService, item.Priority))
	}
	return id, nil
}

// Next returns the highest-priority eligible pending item, or nil if the
// queue is empty.
func (m *Manager) Next(ctx context.Context) (*persistence.DeploymentQueueItem, error) {
	return m.store.GetNextPending(ctx)
}

// Status lists every queue item regardless of status — pending, waiting,
// processing, completed, failed and cancelled alike — sorted the same way
// Next orders its candidates, for operator inspection of queue health.
func (m *Manager) Status(ctx context.Context) ([]persistence.DeploymentQueueItem, error) {
	return m.store.GetQueueStatus(ctx)
}

// Item fetches a single queue row.
func (m *Manager) Item(ctx context.Context, id int64) (*persistence.DeploymentQueueItem, error) {
	return m.store.GetQueueItem(ctx, id)
}

// CanProceed reports whether the queue item identified by id is safe to
// start, re-fetching it so the three documented cases of check_can_proceed
// all apply: the item may have vanished, may no longer be pending (already
// claimed by a concurrent caller), or — if destructive — may still see
// active workers. Non-destructive pending items may always proceed. When a
// destructive item cannot proceed because workers are active, the item is
// transitioned to waiting_for_workers so the next queue-drain tick retries
// it rather than the coordinator busy-looping on the same item. The
// returned reason mirrors the original's (bool, reason) contract.
func (m *Manager) CanProceed(ctx context.Context, id int64) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.store.GetQueueItem(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrQueueItemNotFound) {
			return false, "queue item not found", nil
		}
		return false, "", fmt.Errorf("queue: fetch item %d: %w", id, err)
	}
	if item.Status != persistence.QueueStatusPending {
		return false, fmt.Sprintf("item status is %s, not pending", item.Status), nil
	}
	if !item.RequiresStatePause {
		return true, "can proceed", nil
	}

	n, err := m.workerCount(ctx)
	if err != nil {
		return false, "", fmt.Errorf("queue: worker count: %w", err)
	}
	if n == 0 {
		return true, "can proceed", nil
	}
	if err := m.store.MarkWaitingForWorkers(ctx, item.ID); err != nil {
		return false, "", fmt.Errorf("queue: mark waiting for workers: %w", err)
	}
	m.logger.Info("deployment waiting for workers", "queue_id", item.ID, "active_workers", n)
	return false, fmt.Sprintf("waiting for %d active worker(s) to complete", n), nil
}

// MarkProcessing transitions an item to processing.
func (m *Manager) MarkProcessing(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.UpdateQueueStatus(ctx, id, persistence.QueueStatusProcessing, ""); err != nil {
		return fmt.Errorf("queue: mark processing %d: %w", id, err)
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicDeploymentStarted, bus.DeploymentStateChangedEvent{QueueID: id, NewStatus: string(persistence.QueueStatusProcessing)})
	}
	return nil
}

// MarkCompleted transitions an item to completed.
func (m *Manager) MarkCompleted(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.UpdateQueueStatus(ctx, id, persistence.QueueStatusCompleted, ""); err != nil {
		return fmt.Errorf("queue: mark completed %d: %w", id, err)
	}
	m.logger.Info("deployment completed", "queue_id", id)
	if m.bus != nil {
		m.bus.Publish(bus.TopicDeploymentCompleted, bus.DeploymentStateChangedEvent{QueueID: id, NewStatus: string(persistence.QueueStatusCompleted)})
	}
	m.notify(ctx, "deployment_completed", fmt.Sprintf("deployment %d completed", id))
	return nil
}

// MarkFailed transitions an item to failed, recording errMsg.
func (m *Manager) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.UpdateQueueStatus(ctx, id, persistence.QueueStatusFailed, errMsg); err != nil {
		return fmt.Errorf("queue: mark failed %d: %w", id, err)
	}
	m.logger.Error("deployment failed", "queue_id", id, "error", errMsg)
	if m.bus != nil {
		m.bus.Publish(bus.TopicDeploymentFailed, bus.DeploymentStateChangedEvent{QueueID: id, NewStatus: string(persistence.QueueStatusFailed), ErrorMessage: errMsg})
	}
	m.notify(ctx, "deployment_failed", fmt.Sprintf("deployment %d failed: %s", id, errMsg))
	return nil
}

// Cancel marks a pending item cancelled.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.CancelQueueItem(ctx, id); err != nil {
		return fmt.Errorf("queue: cancel %d: %w", id, err)
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicDeploymentCancelled, bus.DeploymentStateChangedEvent{QueueID: id, NewStatus: string(persistence.QueueStatusCancelled)})
	}
	return nil
}

// RetryFailed resets every failed item still under its retry budget back to
// pending, returning the count retried.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.store.RetryFailedItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: retry failed items: %w", err)
	}
	if n > 0 {
		m.logger.Info("retried failed deployments", "count", n)
	}
	return n, nil
}

// RetryOne resets a single failed item back to pending.
func (m *Manager) RetryOne(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RetryDeployment(ctx, id); err != nil {
		return fmt.Errorf("queue: retry %d: %w", id, err)
	}
	m.logger.Info("retried deployment", "queue_id", id)
	return nil
}
