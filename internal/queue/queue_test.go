package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/nova-orchestrator/internal/persistence"
)

func newTestManager(t *testing.T, workerCount WorkerCountFunc) (*Manager, *persistence.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.Open(ctx, "", filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil, nil, workerCount, nil), store
}

func TestEnqueueRejectsInvalidDeploymentType(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	_, err := m.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: "nonsense", TargetService: "api"})
	if err == nil {
		t.Fatalf("expected invalid deployment type to be rejected")
	}
}

func TestEnqueueDefaultsOmittedPriorityByDeploymentType(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	restartID, err := m.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeRestart, TargetService: "api"})
	if err != nil {
		t.Fatalf("enqueue restart: %v", err)
	}
	restart, err := m.Item(ctx, restartID)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if restart.Priority != persistence.PriorityHigh {
		t.Fatalf("expected omitted priority on a destructive deployment to default to high, got %v", restart.Priority)
	}

	deployID, err := m.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "api"})
	if err != nil {
		t.Fatalf("enqueue deploy: %v", err)
	}
	deploy, err := m.Item(ctx, deployID)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if deploy.Priority != persistence.PriorityNormal {
		t.Fatalf("expected omitted priority on a non-destructive deployment to default to normal, got %v", deploy.Priority)
	}
}

func TestCanProceedWaitsForWorkersOnDestructiveItems(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, func(context.Context) (int, error) { return 2, nil })

	id, err := m.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeRestart, TargetService: "api", Priority: persistence.PriorityNormal})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := m.Item(ctx, id)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if !item.RequiresStatePause {
		t.Fatalf("expected restart to require state pause")
	}

	ok, reason, err := m.CanProceed(ctx, item.ID)
	if err != nil {
		t.Fatalf("can proceed: %v", err)
	}
	if ok {
		t.Fatalf("expected destructive item to wait while workers are active")
	}
	if reason == "" {
		t.Fatalf("expected a non-empty reason when an item cannot proceed")
	}

	item, err = m.Item(ctx, id)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Status != persistence.QueueStatusWaitingForWorkers {
		t.Fatalf("expected waiting_for_workers status, got %s", item.Status)
	}
}

func TestCanProceedAllowsNonDestructiveItemsRegardlessOfWorkers(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, func(context.Context) (int, error) { return 5, nil })

	id, err := m.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "api"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := m.Item(ctx, id)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	ok, _, err := m.CanProceed(ctx, item.ID)
	if err != nil {
		t.Fatalf("can proceed: %v", err)
	}
	if !ok {
		t.Fatalf("expected non-destructive deployment to proceed regardless of worker count")
	}
}

func TestCanProceedReportsMissingItem(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	ok, reason, err := m.CanProceed(ctx, 9999)
	if err != nil {
		t.Fatalf("can proceed: %v", err)
	}
	if ok {
		t.Fatalf("expected a missing queue item to report it cannot proceed")
	}
	if reason == "" {
		t.Fatalf("expected a non-empty reason for a missing queue item")
	}
}

func TestCanProceedReportsNonPendingItem(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	id, err := m.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "api"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	ok, reason, err := m.CanProceed(ctx, id)
	if err != nil {
		t.Fatalf("can proceed: %v", err)
	}
	if ok {
		t.Fatalf("expected an already-processing item to report it cannot proceed")
	}
	if reason == "" {
		t.Fatalf("expected a non-empty reason for a non-pending item")
	}
}

func TestNextOrdersByPriorityThenRecency(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	if _, err := m.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "low", Priority: persistence.PriorityLow}); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if _, err := m.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "critical", Priority: persistence.PriorityCritical}); err != nil {
		t.Fatalf("enqueue critical: %v", err)
	}

	next, err := m.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.TargetService != "critical" {
		t.Fatalf("expected critical priority item first, got %+v", next)
	}
}

func TestStatusIncludesNonPendingItems(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	pendingID, err := m.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "pending-svc"})
	if err != nil {
		t.Fatalf("enqueue pending: %v", err)
	}
	completedID, err := m.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "completed-svc"})
	if err != nil {
		t.Fatalf("enqueue completed: %v", err)
	}
	if err := m.MarkProcessing(ctx, completedID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := m.MarkCompleted(ctx, completedID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	seen := map[int64]persistence.QueueStatus{}
	for _, item := range status {
		seen[item.ID] = item.Status
	}
	if seen[pendingID] != persistence.QueueStatusPending {
		t.Fatalf("expected pending item to appear in status, got %v", seen)
	}
	if seen[completedID] != persistence.QueueStatusCompleted {
		t.Fatalf("expected completed item to still appear in status, got %v", seen)
	}
}

func TestMarkFailedThenRetryOne(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	id, err := m.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "api"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := m.MarkFailed(ctx, id, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := m.RetryOne(ctx, id); err != nil {
		t.Fatalf("retry one: %v", err)
	}
	item, err := m.Item(ctx, id)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Status != persistence.QueueStatusPending {
		t.Fatalf("expected pending after retry, got %s", item.Status)
	}
	if item.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", item.RetryCount)
	}
}
