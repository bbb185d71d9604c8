// Package telemetry configures OpenTelemetry tracing for backend calls.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/feynmancraft/pipewatch/internal/log"
)

// ServiceName identifies pipewatch spans.
const ServiceName = "pipewatch"

// Config selects the exporter.
type Config struct {
	Exporter string // "none", "stdout" or "otlp"
	Endpoint string // otlp collector host:port
	Insecure bool
	Writer   io.Writer // stdout exporter destination; defaults to os.Stderr
}

// ShutdownFunc flushes and stops the exporter.
type ShutdownFunc func(context.Context) error

// Setup builds a tracer for cfg and installs its provider globally.
// With exporter "none" (or empty) it returns a no-op tracer.
func Setup(ctx context.Context, cfg Config) (trace.Tracer, ShutdownFunc, error) {
	var exp sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", "none":
		return noop.NewTracerProvider().Tracer(ServiceName), func(context.Context) error { return nil }, nil

	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		e, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		exp = e

	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		e, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("creating otlp exporter: %w", err)
		}
		exp = e

	default:
		return nil, nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", ServiceName))),
	)
	otel.SetTracerProvider(tp)
	log.Info(log.CatConfig, "Tracing enabled", "exporter", cfg.Exporter, "endpoint", cfg.Endpoint)

	return tp.Tracer(ServiceName), tp.Shutdown, nil
}
