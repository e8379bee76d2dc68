// Package notify delivers outbound notifications about deployment and task
// lifecycle events: queued, started, completed, failed, paused, resumed.
// Handler is implemented by a Telegram bot for operator-facing delivery and
// by a logger for local/test runs.
package notify

import (
	"context"
	"log/slog"

	"github.com/basket/nova-orchestrator/internal/persistence"
)

// Handler delivers a single notification. messageType names the event
// ("deployment_queued", "deployment_completed", "task_stale", ...); message
// is the rendered, human-readable text.
type Handler interface {
	Notify(ctx context.Context, messageType, message string)
}

// LogHandler writes notifications through the structured logger. It is the
// default handler and the one used in tests, since it has no external
// dependency to fail against.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler builds a LogHandler. A nil logger falls back to slog.Default.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger.With("component", "notify")}
}

func (h *LogHandler) Notify(_ context.Context, messageType, message string) {
	h.logger.Info("notification", "type", messageType, "message", message)
}

// RecordingHandler wraps another Handler and persists every attempt (sent or
// not) to notification_log, mirroring the original notifier's audit trail.
type RecordingHandler struct {
	inner  Handler
	store  *persistence.Store
	userID string
	chatID string
	logger *slog.Logger
}

// NewRecordingHandler wraps inner so every Notify call is also written to
// notification_log.
func NewRecordingHandler(inner Handler, store *persistence.Store, userID, chatID string, logger *slog.Logger) *RecordingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingHandler{inner: inner, store: store, userID: userID, chatID: chatID, logger: logger.With("component", "notify")}
}

func (h *RecordingHandler) Notify(ctx context.Context, messageType, message string) {
	sent := true
	func() {
		defer func() {
			if r := recover(); r != nil {
				sent = false
				h.logger.Error("notification handler panicked", "error", r)
			}
		}()
		h.inner.Notify(ctx, messageType, message)
	}()

	if _, err := h.store.RecordNotification(ctx, h.userID, h.chatID, messageType, message, sent); err != nil {
		h.logger.Warn("failed to record notification", "error", err)
	}
}

// AsNotifyFunc adapts a Handler to the queue package's NotifyFunc shape.
func AsNotifyFunc(h Handler) func(ctx context.Context, messageType, message string) {
	return func(ctx context.Context, messageType, message string) {
		h.Notify(ctx, messageType, message)
	}
}
