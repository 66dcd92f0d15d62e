// Package telemetry installs the process-wide OpenTelemetry providers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Options selects where spans go. An empty Endpoint disables export.
type Options struct {
	ServiceName string
	Endpoint    string
	// Exporter overrides the OTLP exporter; used by tests.
	Exporter sdktrace.SpanExporter
}

// Shutdown flushes and stops the providers.
type Shutdown func(context.Context) error

// Setup installs a tracer provider and the W3C propagator globally.
func Setup(ctx context.Context, opts Options, logger *slog.Logger) (Shutdown, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	exporter := opts.Exporter
	if exporter == nil {
		if opts.Endpoint == "" {
			logger.Info("trace export disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
			return func(context.Context) error { return nil }, nil
		}

		var err error
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(opts.Endpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", opts.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.Info("trace export enabled", "endpoint", opts.Endpoint, "service", opts.ServiceName)

	return func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}, nil
}
