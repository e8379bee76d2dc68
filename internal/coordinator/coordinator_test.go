package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/basket/nova-orchestrator/internal/bus"
	"github.com/basket/nova-orchestrator/internal/persistence"
	"github.com/basket/nova-orchestrator/internal/queue"
	"github.com/basket/nova-orchestrator/internal/tracker"
)

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(_ context.Context, messageType, message string) {
	f.messages = append(f.messages, messageType+":"+message)
}

func setup(t *testing.T) (*persistence.Store, *queue.Manager, *tracker.Tracker, *fakeNotifier) {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.Open(ctx, "", filepath.Join(t.TempDir(), "coordinator.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	trk := tracker.New(store, b, nil)
	q := queue.New(store, b, nil, trk.GetActiveCount, nil)
	return store, q, trk, &fakeNotifier{}
}

func TestTickRunsExecutorAndMarksCompleted(t *testing.T) {
	ctx := context.Background()
	_, q, trk, notifier := setup(t)

	id, err := q.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "api"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var executed bool
	c := New(Config{Queue: q, Tracker: trk, Notifier: notifier, Executor: func(ctx context.Context, item persistence.DeploymentQueueItem) error {
		executed = true
		if item.ID != id {
			t.Fatalf("expected executor to receive queued item %d, got %d", id, item.ID)
		}
		return nil
	}})

	c.Tick(ctx)

	if !executed {
		t.Fatalf("expected executor to run")
	}
	item, err := q.Item(ctx, id)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Status != persistence.QueueStatusCompleted {
		t.Fatalf("expected completed status, got %s", item.Status)
	}
}

func TestTickPausesAndResumesTasksForDestructiveDeployment(t *testing.T) {
	ctx := context.Background()
	_, q, trk, notifier := setup(t)

	if err := trk.RegisterTask(ctx, persistence.ActiveTask{TaskID: "task-1", TaskType: "build"}); err != nil {
		t.Fatalf("register task: %v", err)
	}

	id, err := q.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeRestart, TargetService: "api"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var sawPaused bool
	c := New(Config{Queue: q, Tracker: trk, Notifier: notifier, Executor: func(ctx context.Context, item persistence.DeploymentQueueItem) error {
		tasks, err := trk.GetActiveTasks(ctx, nil, "")
		if err != nil {
			t.Fatalf("get active tasks: %v", err)
		}
		sawPaused = len(tasks) == 0 // paused tasks are excluded from the running list
		return nil
	}})

	c.Tick(ctx)

	if !sawPaused {
		t.Fatalf("expected active task to be paused during destructive deployment")
	}

	tasks, err := trk.GetActiveTasks(ctx, nil, "")
	if err != nil {
		t.Fatalf("get active tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected task to be resumed after deployment, got %d running", len(tasks))
	}

	item, err := q.Item(ctx, id)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Status != persistence.QueueStatusCompleted {
		t.Fatalf("expected completed status, got %s", item.Status)
	}
}

func TestTickMarksFailedOnExecutorError(t *testing.T) {
	ctx := context.Background()
	_, q, trk, notifier := setup(t)

	id, err := q.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "api"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	c := New(Config{Queue: q, Tracker: trk, Notifier: notifier, Executor: func(ctx context.Context, item persistence.DeploymentQueueItem) error {
		return fmt.Errorf("boom")
	}})

	c.Tick(ctx)

	item, err := q.Item(ctx, id)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Status != persistence.QueueStatusFailed {
		t.Fatalf("expected failed status, got %s", item.Status)
	}
	if item.ErrorMessage != "boom" {
		t.Fatalf("expected error message to be recorded, got %q", item.ErrorMessage)
	}
}

func TestTickWithNoExecutorFailsDeployment(t *testing.T) {
	ctx := context.Background()
	_, q, trk, notifier := setup(t)

	id, err := q.Enqueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "api"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	c := New(Config{Queue: q, Tracker: trk, Notifier: notifier})
	c.Tick(ctx)

	item, err := q.Item(ctx, id)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Status != persistence.QueueStatusFailed {
		t.Fatalf("expected failed status when no executor configured, got %s", item.Status)
	}
}
