package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a trace_id to the context so every operation that
// flows through a single deployment run or scheduled job fire — gate check,
// pause, executor, resume, terminal status update — shares one id across its
// log lines and audit entries.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id, minted once per deployment run or
// scheduled job fire rather than per log line.
func NewTraceID() string {
	return uuid.NewString()
}

// ContextLogger returns logger with ctx's trace_id attached, replacing the
// "-" placeholder NewLogger seeds every logger with at startup.
func ContextLogger(logger *slog.Logger, ctx context.Context) *slog.Logger {
	return logger.With("trace_id", TraceID(ctx))
}
