package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), "", path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegisterTaskRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterTask(ctx, ActiveTask{TaskID: "t1", TaskType: "standalone_sh"}); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	if err := s.RegisterTask(ctx, ActiveTask{TaskID: "t1", TaskType: "standalone_sh"}); err != ErrTaskExists {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
}

func TestPauseResumeRestoresCheckpointState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterTask(ctx, ActiveTask{TaskID: "t1", TaskType: "watcher", CurrentState: `{"step":1}`}); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	if err := s.PauseTask(ctx, "t1"); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	if err := s.UpdateState(ctx, "t1", `{"step":2}`); err != nil {
		// Task is paused but state column is still writable directly;
		// this should not affect the checkpoint taken at pause time.
		t.Fatalf("UpdateState: %v", err)
	}
	if err := s.ResumeTask(ctx, "t1"); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	got, err := s.GetTaskState(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTaskState: %v", err)
	}
	if got != `{"step":1}` {
		t.Fatalf("expected restored checkpoint state, got %q", got)
	}
}

func TestGetNextPendingOrdersByPriorityThenAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddToQueue(ctx, DeploymentQueueItem{DeploymentType: DeploymentTypeDeploy, TargetService: "a", Priority: PriorityNormal}); err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	highID, err := s.AddToQueue(ctx, DeploymentQueueItem{DeploymentType: DeploymentTypeRedeploy, TargetService: "b", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}

	next, err := s.GetNextPending(ctx)
	if err != nil {
		t.Fatalf("GetNextPending: %v", err)
	}
	if next == nil || next.ID != highID {
		t.Fatalf("expected high priority item %d first, got %+v", highID, next)
	}
	if !next.RequiresStatePause {
		t.Fatalf("redeploy must require state pause")
	}
}

func TestRetryFailedItemsRespectsMaxRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddToQueue(ctx, DeploymentQueueItem{DeploymentType: DeploymentTypeDeploy, TargetService: "a", Priority: PriorityNormal, MaxRetries: 1})
	if err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if err := s.UpdateQueueStatus(ctx, id, QueueStatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateQueueStatus: %v", err)
	}
	n, err := s.RetryFailedItems(ctx)
	if err != nil {
		t.Fatalf("RetryFailedItems: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 retried, got %d", n)
	}
	if err := s.UpdateQueueStatus(ctx, id, QueueStatusFailed, "boom again"); err != nil {
		t.Fatalf("UpdateQueueStatus: %v", err)
	}
	n, err = s.RetryFailedItems(ctx)
	if err != nil {
		t.Fatalf("RetryFailedItems: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected retry budget exhausted, got %d retried", n)
	}
}

func TestCleanupStaleTasksFailsOldHeartbeats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterTask(ctx, ActiveTask{TaskID: "t1", TaskType: "team_task"}); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	if _, err := s.exec(ctx, `UPDATE active_tasks SET last_heartbeat = ? WHERE task_id = 't1';`, time.Now().UTC().Add(-10*time.Minute)); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
	n, err := s.CleanupStaleTasks(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("CleanupStaleTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale task, got %d", n)
	}
}
