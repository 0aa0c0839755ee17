// Package tracing sets up the OpenTelemetry tracer provider. Spans are
// written to a local writer; there is no collector to ship them to.
package tracing

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nugget/haletta/internal/buildinfo"
	"github.com/nugget/haletta/internal/config"
)

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a global tracer provider exporting to w when tracing is
// enabled. With tracing disabled the global no-op provider stays in
// place and the returned shutdown does nothing.
func Init(cfg config.TracingConfig, w io.Writer, logger *slog.Logger) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noop, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled", "service", cfg.ServiceName)
	return tp.Shutdown, nil
}
