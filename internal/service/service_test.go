package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/nova-orchestrator/internal/persistence"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.Open(ctx, "", filepath.Join(t.TempDir(), "service.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(Config{Store: store})
}

func TestQueueDeploymentForwardsParsedPriority(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	id, err := svc.QueueDeployment(ctx, persistence.DeploymentTypeDeploy, "api", "alice", "routine rollout", "critical")
	if err != nil {
		t.Fatalf("queue deployment: %v", err)
	}

	status, err := svc.GetQueueStatus(ctx)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	var found *persistence.DeploymentQueueItem
	for i := range status {
		if status[i].ID == id {
			found = &status[i]
		}
	}
	if found == nil {
		t.Fatalf("expected queued item %d to appear in status", id)
	}
	if found.Priority != persistence.PriorityCritical {
		t.Fatalf("expected parsed priority to be forwarded to the queued item, got %v", found.Priority)
	}
}

func TestQueueDeploymentDefaultsDestructiveTypeToHighPriority(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	id, err := svc.QueueDeployment(ctx, persistence.DeploymentTypeRestart, "api", "alice", "", "")
	if err != nil {
		t.Fatalf("queue deployment: %v", err)
	}
	item, err := svc.queue.Item(ctx, id)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Priority != persistence.PriorityHigh {
		t.Fatalf("expected omitted priority on a destructive deployment to default to high, got %v", item.Priority)
	}
}

func TestQueueDeploymentDefaultsNonDestructiveTypeToNormalPriority(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	id, err := svc.QueueDeployment(ctx, persistence.DeploymentTypeDeploy, "api", "alice", "", "")
	if err != nil {
		t.Fatalf("queue deployment: %v", err)
	}
	item, err := svc.queue.Item(ctx, id)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Priority != persistence.PriorityNormal {
		t.Fatalf("expected omitted priority on a non-destructive deployment to default to normal, got %v", item.Priority)
	}
}

func TestQueueDeploymentFallsBackOnInvalidPriority(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	id, err := svc.QueueDeployment(ctx, persistence.DeploymentTypeDeploy, "api", "alice", "", "not-a-real-priority")
	if err != nil {
		t.Fatalf("queue deployment: %v", err)
	}
	item, err := svc.queue.Item(ctx, id)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Priority != persistence.PriorityNormal {
		t.Fatalf("expected fallback to normal priority, got %v", item.Priority)
	}
}

func TestSystemStatusAggregatesCounts(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if err := svc.RegisterTask(ctx, persistence.ActiveTask{TaskID: "t1", TaskType: "build"}); err != nil {
		t.Fatalf("register task: %v", err)
	}
	if _, err := svc.QueueDeployment(ctx, persistence.DeploymentTypeDeploy, "api", "", "", ""); err != nil {
		t.Fatalf("queue deployment: %v", err)
	}
	if err := svc.RegisterScheduledJob(ctx, "nightly", "nightly cleanup", "0 3 * * *", true); err != nil {
		t.Fatalf("register scheduled job: %v", err)
	}

	status, err := svc.SystemStatus(ctx)
	if err != nil {
		t.Fatalf("system status: %v", err)
	}
	if status.ActiveTasks != 1 {
		t.Fatalf("expected 1 active task, got %d", status.ActiveTasks)
	}
	if status.QueueItems != 1 {
		t.Fatalf("expected 1 queue item, got %d", status.QueueItems)
	}
	if status.ScheduledJobs != 1 {
		t.Fatalf("expected 1 scheduled job, got %d", status.ScheduledJobs)
	}
	if len(status.QueuePreview) != 1 {
		t.Fatalf("expected 1 item in queue preview, got %d", len(status.QueuePreview))
	}
}

func TestSystemStatusQueuePreviewExcludesFinishedItems(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pendingID, err := svc.QueueDeployment(ctx, persistence.DeploymentTypeDeploy, "pending-svc", "", "", "")
	if err != nil {
		t.Fatalf("queue pending deployment: %v", err)
	}
	completedID, err := svc.QueueDeployment(ctx, persistence.DeploymentTypeDeploy, "completed-svc", "", "", "critical")
	if err != nil {
		t.Fatalf("queue completed deployment: %v", err)
	}
	if err := svc.queue.MarkProcessing(ctx, completedID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := svc.queue.MarkCompleted(ctx, completedID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	status, err := svc.SystemStatus(ctx)
	if err != nil {
		t.Fatalf("system status: %v", err)
	}
	if status.QueueItems != 2 {
		t.Fatalf("expected both items counted in QueueItems, got %d", status.QueueItems)
	}
	if len(status.QueuePreview) != 1 || status.QueuePreview[0].ID != pendingID {
		t.Fatalf("expected queue preview to contain only the pending item, got %+v", status.QueuePreview)
	}
}

func TestRecoverThenStartStopIsSafe(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	svc.Start(ctx)
	svc.Stop()
}
