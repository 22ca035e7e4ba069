// Package observe wires OpenTelemetry metrics with a Prometheus exporter and
// defines the instrument bundle the engine and index manager record into.
package observe

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider owns the metric pipeline: an SDK meter provider feeding the
// Prometheus registry behind Handler.
type Provider struct {
	mp *sdkmetric.MeterProvider
}

// Init builds the meter provider, installs it as the OTel global, and returns
// the handle for shutdown. serviceName labels all exported series.
func Init(serviceName string) (*Provider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("observe: create prometheus exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return &Provider{mp: mp}, nil
}

// Handler returns the HTTP handler that serves the /metrics scrape endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the metric pipeline.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("observe: shutdown meter provider: %w", err)
	}
	return nil
}
