// Package tracing wires up the OpenTelemetry tracer provider and the trace
// context propagator that internal/broker/tracing.go uses to carry trace
// context over AMQP headers. No spans are started around publish or consume.
// Grounded on common/tracing/tracing.go,
// unchanged apart from the service-version label.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Init creates and globally registers a TracerProvider exporting to an OTLP
// collector over gRPC, and returns a shutdown func flushing pending spans.
// endpoint defaults to "localhost:4317" when empty.
func Init(serviceName, endpoint string, log *slog.Logger) (func(context.Context) error, error) {
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion("v1.0.0"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Info("tracer initialized", slog.String("endpoint", endpoint))

	return func(ctx context.Context) error {
		return tp.Shutdown(ctx)
	}, nil
}
