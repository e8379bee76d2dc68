package recovery

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/nova-orchestrator/internal/persistence"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(context.Background(), "", filepath.Join(t.TempDir(), "recovery.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecoverInterruptedWorkPausesRunningTasksRegardlessOfHeartbeat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.RegisterTask(ctx, persistence.ActiveTask{TaskID: "fresh", TaskType: "build"}); err != nil {
		t.Fatalf("register task: %v", err)
	}
	if err := store.UpdateState(ctx, "fresh", `{"step":1}`); err != nil {
		t.Fatalf("update state: %v", err)
	}
	// A heartbeat from moments ago (not stale) should still be paused: the
	// orchestrator process that owned it is gone regardless of recency.
	if err := store.UpdateHeartbeat(ctx, "fresh"); err != nil {
		t.Fatalf("update heartbeat: %v", err)
	}

	r := New(store, nil)
	summary, err := r.RecoverInterruptedWork(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if summary.RunningTasksFound != 1 || summary.TasksPaused != 1 {
		t.Fatalf("expected 1 running task paused, got %+v", summary)
	}
	if summary.CheckpointsCreated != 1 {
		t.Fatalf("expected a recovery checkpoint to be created, got %d", summary.CheckpointsCreated)
	}

	tasks, err := store.GetActiveTasksByStatus(ctx, persistence.TaskStatusPaused)
	if err != nil {
		t.Fatalf("get paused tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected task to be paused, got %d paused tasks", len(tasks))
	}
}

func TestRecoverInterruptedWorkFailsProcessingDeployments(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.AddToQueue(ctx, persistence.DeploymentQueueItem{DeploymentType: persistence.DeploymentTypeDeploy, TargetService: "api"})
	if err != nil {
		t.Fatalf("add to queue: %v", err)
	}
	if err := store.UpdateQueueStatus(ctx, id, persistence.QueueStatusProcessing, ""); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	r := New(store, nil)
	summary, err := r.RecoverInterruptedWork(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if summary.DeploymentsMarkedFailed != 1 {
		t.Fatalf("expected 1 deployment marked failed, got %d", summary.DeploymentsMarkedFailed)
	}

	item, err := store.GetQueueItem(ctx, id)
	if err != nil {
		t.Fatalf("get queue item: %v", err)
	}
	if item.Status != persistence.QueueStatusFailed {
		t.Fatalf("expected failed status, got %s", item.Status)
	}
	if item.ErrorMessage != "Deployment interrupted by system restart" {
		t.Fatalf("unexpected error message: %q", item.ErrorMessage)
	}
}

func TestGenerateReportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.RegisterTask(ctx, persistence.ActiveTask{TaskID: "t1", TaskType: "build"}); err != nil {
		t.Fatalf("register task: %v", err)
	}

	r := New(store, nil)
	if _, err := r.RecoverInterruptedWork(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	first, err := r.GenerateReport(ctx)
	if err != nil {
		t.Fatalf("generate report: %v", err)
	}
	second, err := r.GenerateReport(ctx)
	if err != nil {
		t.Fatalf("generate report again: %v", err)
	}
	if len(first.PausedTasks) != len(second.PausedTasks) {
		t.Fatalf("expected report generation to be idempotent")
	}
	if len(first.PausedTasks) != 1 {
		t.Fatalf("expected 1 paused task in report, got %d", len(first.PausedTasks))
	}
}

func TestAnnouncementMentionsPausedTasksAndFailedDeployments(t *testing.T) {
	summary := Summary{RunningTasksFound: 1, TasksPaused: 1, CheckpointsCreated: 1}
	report := Report{
		PausedTasks:       []PausedTaskReport{{TaskID: "abcdefgh1234", SubagentName: "worker-a", AvailableCheckpoints: 2}},
		FailedDeployments: []FailedDeploymentReport{{ID: 5, DeploymentType: "deploy", TargetService: "api", Error: "connection refused"}},
	}
	text := Announcement(summary, report)
	if !strings.Contains(text, "worker-a") || !strings.Contains(text, "FAILED DEPLOYMENTS") {
		t.Fatalf("expected announcement to mention paused task and failed deployment, got: %s", text)
	}
}
