package observe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	t.Parallel()
	var m *Metrics
	ctx := context.Background()

	// Call sites never guard on nil; every method must tolerate it.
	m.RecordSelection(ctx, "narrow_top_k", "ok", time.Millisecond)
	m.RecordDecision(ctx, time.Millisecond, nil)
	m.RecordDecision(ctx, time.Millisecond, errors.New("gateway down"))
	m.RecordExecution(ctx, "roll", "success", time.Millisecond)
	m.RecordIndexBuild(ctx, nil)
	m.SetIndexReady(ctx, true)
	m.SetCatalogSize(ctx, 12)
}

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m == nil {
		t.Fatal("NewMetrics returned nil without error")
	}
	// Instruments from the global provider must accept recordings.
	m.RecordSelection(context.Background(), "expose_all", "ok", 5*time.Millisecond)
	m.SetCatalogSize(context.Background(), 3)
}

func TestProviderLifecycle(t *testing.T) {
	t.Parallel()
	p, err := Init("quartermaster-test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Handler() == nil {
		t.Error("Handler returned nil")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
