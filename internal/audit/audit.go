// Package audit keeps an append-only record of orchestrator lifecycle
// events: every deployment queue state transition and every task
// pause/resume/failure, independent of the structured runtime log.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/nova-orchestrator/internal/shared"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	Outcome       string `json:"outcome"`
	Operation     string `json:"operation"`
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlation_id"`
	Subject       string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	failCount atomic.Int64
)

// Init opens logs/audit.jsonl under homeDir. Calling Init again before
// Close is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes, mirroring the
// JSONL entries into a queryable table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the total number of "failed" outcomes recorded
// since startup.
func FailureCount() int64 {
	return failCount.Load()
}

// Record appends one lifecycle entry. outcome is e.g. "completed",
// "failed", "paused", "cancelled"; operation names the action taken, e.g.
// "deployment.process" or "task.pause"; correlationID ties related entries
// together (a queue id or task id); subject is a free-form description,
// redacted before persistence in case it embeds error text with secrets.
func Record(outcome, operation, reason, correlationID, subject string) {
	if outcome == "failed" {
		failCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			Outcome:       outcome,
			Operation:     operation,
			Reason:        reason,
			CorrelationID: correlationID,
			Subject:       subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (correlation_id, subject, operation, outcome, reason)
			VALUES (?, ?, ?, ?, ?);
		`, correlationID, subject, operation, outcome, reason)
	}
}
