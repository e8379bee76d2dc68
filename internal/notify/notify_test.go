package notify

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/nova-orchestrator/internal/persistence"
)

type recordingStub struct {
	calls []string
}

func (s *recordingStub) Notify(_ context.Context, messageType, message string) {
	s.calls = append(s.calls, messageType+":"+message)
}

func TestRecordingHandlerPersistsEveryAttempt(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.Open(ctx, "", filepath.Join(t.TempDir(), "notify.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	stub := &recordingStub{}
	h := NewRecordingHandler(stub, store, "op-1", "chat-1", nil)
	h.Notify(ctx, "deployment_completed", "deployment 7 completed")

	if len(stub.calls) != 1 {
		t.Fatalf("expected inner handler to be called once, got %d", len(stub.calls))
	}

	recent, err := store.RecentNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("recent notifications: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 recorded notification, got %d", len(recent))
	}
	if recent[0].MessageType != "deployment_completed" {
		t.Fatalf("expected message type to persist, got %q", recent[0].MessageType)
	}
	if !recent[0].IsSent {
		t.Fatalf("expected notification to be marked sent")
	}
}
