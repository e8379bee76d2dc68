package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/nova-orchestrator/internal/bus"
	"github.com/basket/nova-orchestrator/internal/persistence"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.Open(ctx, "", filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, bus.New(), nil)
}

func TestRegisterAndUnregisterTask(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	task := persistence.ActiveTask{TaskID: "t1", TaskType: "build", SubagentName: "worker-a"}
	if err := tr.RegisterTask(ctx, task); err != nil {
		t.Fatalf("register: %v", err)
	}
	exists, err := tr.TaskExists(ctx, "t1")
	if err != nil || !exists {
		t.Fatalf("expected task to exist, err=%v exists=%v", err, exists)
	}

	if err := tr.RegisterTask(ctx, task); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	if err := tr.UnregisterTask(ctx, "t1", "done"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	state, err := tr.GetTaskState(ctx, "t1")
	if err != nil {
		t.Fatalf("get task state: %v", err)
	}
	if state != "done" {
		t.Fatalf("expected final state 'done', got %q", state)
	}
}

func TestPauseResumeRestoresState(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	if err := tr.RegisterTask(ctx, persistence.ActiveTask{TaskID: "t2", TaskType: "deploy"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.UpdateState(ctx, "t2", `{"step":3}`); err != nil {
		t.Fatalf("update state: %v", err)
	}
	if err := tr.PauseTask(ctx, "t2"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := tr.UpdateState(ctx, "t2", `{"step":999}`); err != nil {
		t.Fatalf("update state after pause: %v", err)
	}
	if err := tr.ResumeTask(ctx, "t2"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	state, err := tr.GetTaskState(ctx, "t2")
	if err != nil {
		t.Fatalf("get task state: %v", err)
	}
	if state != `{"step":3}` {
		t.Fatalf("expected restored checkpoint state, got %q", state)
	}
}

func TestCleanupStaleTasksMarksFailed(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	if err := tr.RegisterTask(ctx, persistence.ActiveTask{TaskID: "t3", TaskType: "build"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	n, err := tr.CleanupStaleTasks(ctx, -1*time.Second)
	if err != nil {
		t.Fatalf("cleanup stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale task, got %d", n)
	}

	active, err := tr.GetActiveTasks(ctx, nil, "")
	if err != nil {
		t.Fatalf("get active tasks: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no running tasks after cleanup, got %d", len(active))
	}
}
