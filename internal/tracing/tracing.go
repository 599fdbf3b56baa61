// Package tracing wires OpenTelemetry span creation for job execution,
// adapted from the teacher's otel_exporter.go: same OTLP/gRPC exporter setup
// and batching trace provider, repointed at job/backend/outcome attributes
// instead of GPU/LLM/workload context.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether and how spans are exported.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	SamplingRate   float64
}

// Init sets up the global tracer provider per cfg and returns a shutdown
// func. When cfg.Enabled is false, Init is a no-op and Tracer() falls back
// to a non-exporting provider.
func Init(ctx context.Context, cfg Config) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
	)
	otel.SetTracerProvider(tp)

	return func() { _ = tp.Shutdown(context.Background()) }, nil
}

// Tracer returns the dispatcher's named tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("heteroforge-dispatch")
}

// JobAttributes returns the standard attribute set attached to a job's
// execution span.
func JobAttributes(jobID, backendTag, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("job.id", jobID),
		attribute.String("job.backend", backendTag),
		attribute.String("job.outcome", outcome),
	}
}

// RecordError marks span as failed and attaches the error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
