package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/aspen/pkg/tracing/exporters"
)

// Config holds tracer provider configuration
type Config struct {
	Enabled     bool
	Exporter    string // "otlp" or "console"
	ServiceName string
	OTLP        exporters.OTLPConfig
}

// Init builds the tracer provider, registers it globally and wires the package
// tracer. The returned shutdown function flushes pending spans.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		otlpExporter, err := exporters.NewOTLPExporter(ctx, cfg.OTLP)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = otlpExporter
	case "console", "":
		exporter = &exporters.ConsoleExporter{}
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	SetTracer(provider.Tracer(cfg.ServiceName))

	return provider.Shutdown, nil
}
