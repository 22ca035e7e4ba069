package observe

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/mirefall/quartermaster"

// Metrics bundles the instruments recorded across the request path. A nil
// *Metrics is valid: every method is a no-op, so callers never guard.
type Metrics struct {
	selectionDuration metric.Float64Histogram
	decisionDuration  metric.Float64Histogram
	executionDuration metric.Float64Histogram

	selections     metric.Int64Counter
	toolExecutions metric.Int64Counter
	indexBuilds    metric.Int64Counter

	indexReady  metric.Int64Gauge
	catalogSize metric.Int64Gauge
}

// NewMetrics creates the instrument bundle on the globally installed meter
// provider. Call after Init.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	m := &Metrics{}
	var err error

	if m.selectionDuration, err = meter.Float64Histogram(
		"quartermaster.selection.duration",
		metric.WithDescription("Tool selection latency per request"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("observe: create selection duration: %w", err)
	}
	if m.decisionDuration, err = meter.Float64Histogram(
		"quartermaster.decision.duration",
		metric.WithDescription("LLM decision round latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("observe: create decision duration: %w", err)
	}
	if m.executionDuration, err = meter.Float64Histogram(
		"quartermaster.tool.execution.duration",
		metric.WithDescription("Tool execution latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("observe: create execution duration: %w", err)
	}

	if m.selections, err = meter.Int64Counter(
		"quartermaster.selections",
		metric.WithDescription("Selection rounds by mode and status"),
	); err != nil {
		return nil, fmt.Errorf("observe: create selections counter: %w", err)
	}
	if m.toolExecutions, err = meter.Int64Counter(
		"quartermaster.tool.executions",
		metric.WithDescription("Tool executions by tool and outcome"),
	); err != nil {
		return nil, fmt.Errorf("observe: create executions counter: %w", err)
	}
	if m.indexBuilds, err = meter.Int64Counter(
		"quartermaster.index.builds",
		metric.WithDescription("Embedding index builds by result"),
	); err != nil {
		return nil, fmt.Errorf("observe: create index builds counter: %w", err)
	}

	if m.indexReady, err = meter.Int64Gauge(
		"quartermaster.index.ready",
		metric.WithDescription("1 when a valid index snapshot is queryable"),
	); err != nil {
		return nil, fmt.Errorf("observe: create index ready gauge: %w", err)
	}
	if m.catalogSize, err = meter.Int64Gauge(
		"quartermaster.catalog.size",
		metric.WithDescription("Number of registered tools"),
	); err != nil {
		return nil, fmt.Errorf("observe: create catalog size gauge: %w", err)
	}

	return m, nil
}

// RecordSelection records one selection round.
func (m *Metrics) RecordSelection(ctx context.Context, mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	m.selections.Add(ctx, 1, attrs)
	m.selectionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordDecision records one LLM decision round.
func (m *Metrics) RecordDecision(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.decisionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordExecution records one tool execution.
func (m *Metrics) RecordExecution(ctx context.Context, tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.toolExecutions.Add(ctx, 1, attrs)
	m.executionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordIndexBuild records one index build attempt.
func (m *Metrics) RecordIndexBuild(ctx context.Context, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.indexBuilds.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// SetIndexReady publishes whether a valid snapshot is queryable.
func (m *Metrics) SetIndexReady(ctx context.Context, ready bool) {
	if m == nil {
		return
	}
	var v int64
	if ready {
		v = 1
	}
	m.indexReady.Record(ctx, v)
}

// SetCatalogSize publishes the registered tool count.
func (m *Metrics) SetCatalogSize(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.catalogSize.Record(ctx, int64(n))
}
