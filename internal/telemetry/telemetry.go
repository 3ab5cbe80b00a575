// Package telemetry wires OpenTelemetry metrics and tracing for the
// completion broker: provider latency, circuit-breaker transitions, and
// queue depth, exported the way the teacher's telemetry provider does —
// OTLP/HTTP for metrics, a stdout span exporter for traces.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the meter/tracer providers and the instrument set the
// completion broker records against.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	traceProvider *sdktrace.TracerProvider
	tracer        trace.Tracer

	providerLatency    metric.Float64Histogram
	breakerTransitions metric.Int64Counter
	queueDepth         metric.Int64Histogram
	completionsTotal   metric.Int64Counter
}

// New builds a Provider exporting metrics to endpoint via OTLP/HTTP and
// traces to stdout (suitable for local development; swap the trace
// exporter for an OTLP one in a production deployment). endpoint may be
// empty, in which case the OTel SDK's default (localhost:4318) applies.
func New(ctx context.Context, serviceName, endpoint string) (*Provider, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	var metricOpts []otlpmetrichttp.Option
	if endpoint != "" {
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	}
	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	meter := mp.Meter("ksid/completion")

	providerLatency, err := meter.Float64Histogram("completion.provider.latency_ms",
		metric.WithDescription("Provider call latency in milliseconds"))
	if err != nil {
		return nil, fmt.Errorf("create provider latency histogram: %w", err)
	}
	breakerTransitions, err := meter.Int64Counter("completion.circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker open/close transitions"))
	if err != nil {
		return nil, fmt.Errorf("create breaker transition counter: %w", err)
	}
	queueDepth, err := meter.Int64Histogram("completion.queue.depth",
		metric.WithDescription("Per-session queue depth observed at enqueue time"))
	if err != nil {
		return nil, fmt.Errorf("create queue depth histogram: %w", err)
	}
	completionsTotal, err := meter.Int64Counter("completion.requests.total",
		metric.WithDescription("Completions by terminal outcome"))
	if err != nil {
		return nil, fmt.Errorf("create completions counter: %w", err)
	}

	return &Provider{
		meterProvider:      mp,
		traceProvider:      tp,
		tracer:             tp.Tracer("ksid/completion"),
		providerLatency:    providerLatency,
		breakerTransitions: breakerTransitions,
		queueDepth:         queueDepth,
		completionsTotal:   completionsTotal,
	}, nil
}

// RecordProviderLatency records one provider call's wall-clock latency.
func (p *Provider) RecordProviderLatency(ctx context.Context, providerName string, latencyMs int64, success bool) {
	p.providerLatency.Record(ctx, float64(latencyMs), metric.WithAttributes(
		attribute.String("provider", providerName),
		attribute.Bool("success", success),
	))
}

// RecordBreakerTransition records a circuit breaker opening or closing.
func (p *Provider) RecordBreakerTransition(ctx context.Context, providerName, to string) {
	p.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("to_state", to),
	))
}

// RecordQueueDepth records the depth observed for a session at enqueue time.
func (p *Provider) RecordQueueDepth(ctx context.Context, sessionID string, depth int) {
	p.queueDepth.Record(ctx, int64(depth), metric.WithAttributes(
		attribute.String("session_id", sessionID),
	))
}

// RecordCompletion records one terminal outcome (completed/failed/cancelled).
func (p *Provider) RecordCompletion(ctx context.Context, outcome string) {
	p.completionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// StartSpan starts a span for request-scoped tracing.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// Shutdown flushes and tears down both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	if err := p.traceProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown trace provider: %w", err)
	}
	return nil
}
