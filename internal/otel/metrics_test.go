package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.DeploymentDuration == nil {
		t.Error("DeploymentDuration is nil")
	}
	if m.DeploymentsCompleted == nil {
		t.Error("DeploymentsCompleted is nil")
	}
	if m.DeploymentsFailed == nil {
		t.Error("DeploymentsFailed is nil")
	}
	if m.ActiveTaskCount == nil {
		t.Error("ActiveTaskCount is nil")
	}
	if m.TasksPaused == nil {
		t.Error("TasksPaused is nil")
	}
	if m.TasksStale == nil {
		t.Error("TasksStale is nil")
	}
	if m.ScheduledJobsFired == nil {
		t.Error("ScheduledJobsFired is nil")
	}
	if m.ScheduledJobsFailed == nil {
		t.Error("ScheduledJobsFailed is nil")
	}
	if m.RecoveryTasksPaused == nil {
		t.Error("RecoveryTasksPaused is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
