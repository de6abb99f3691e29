// Package telemetry holds the OpenTelemetry instruments for the billing
// ledger. Setup installs the SDK providers; metrics are exposed in the
// Prometheus text format and spans carry the trace ids written to request
// logs.
package telemetry

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const instrumentationName = "github.com/ehr/ledger"

// Provider owns the SDK meter and tracer providers for one process.
type Provider struct {
	meters   *sdkmetric.MeterProvider
	tracers  *sdktrace.TracerProvider
	registry *prometheus.Registry
}

// Setup builds the SDK providers for service and installs them globally.
// Metrics are registered on a private Prometheus registry served by
// Handler.
func Setup(service, version string) (*Provider, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.String("service.version", version),
	)
	p := &Provider{
		meters:   sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res)),
		tracers:  sdktrace.NewTracerProvider(sdktrace.WithResource(res)),
		registry: registry,
	}
	otel.SetMeterProvider(p.meters)
	otel.SetTracerProvider(p.tracers)
	return p, nil
}

// Meter returns the ledger meter from this provider.
func (p *Provider) Meter() metric.Meter {
	return p.meters.Meter(instrumentationName)
}

// Handler serves the collected metrics in the Prometheus text format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.meters.Shutdown(ctx), p.tracers.Shutdown(ctx))
}

// HTTPMiddleware returns the echo tracing middleware for the server.
func HTTPMiddleware(service string) echo.MiddlewareFunc {
	return otelecho.Middleware(service)
}

// BillingMetrics counts ledger activity. A nil *BillingMetrics is valid and
// records nothing.
type BillingMetrics struct {
	events      metric.Int64Counter
	payments    metric.Float64Counter
	claims      metric.Int64Counter
	corrections metric.Int64Counter
}

func NewBillingMetrics(meter metric.Meter) (*BillingMetrics, error) {
	events, err := meter.Int64Counter("ledger.billable_events",
		metric.WithDescription("Billable events by outcome"))
	if err != nil {
		return nil, err
	}
	payments, err := meter.Float64Counter("ledger.payments.amount",
		metric.WithDescription("Payment amount received by mode"))
	if err != nil {
		return nil, err
	}
	claims, err := meter.Int64Counter("ledger.claim_transitions",
		metric.WithDescription("Insurance claim status transitions"))
	if err != nil {
		return nil, err
	}
	corrections, err := meter.Int64Counter("ledger.reconcile.corrections",
		metric.WithDescription("Bills whose stored totals drifted from their rows"))
	if err != nil {
		return nil, err
	}
	return &BillingMetrics{events: events, payments: payments, claims: claims, corrections: corrections}, nil
}

func (m *BillingMetrics) BillableEvent(ctx context.Context, outcome, category string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("category", category),
	))
}

func (m *BillingMetrics) Payment(ctx context.Context, mode string, amount float64) {
	if m == nil {
		return
	}
	m.payments.Add(ctx, amount, metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *BillingMetrics) ClaimTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *BillingMetrics) Corrections(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.corrections.Add(ctx, int64(n))
}
