// Package telemetry wraps each vmoverlay subcommand run in an OpenTelemetry
// span so a trace records how long one overlay construction or
// reconstruction run took; the pipeline stages inside a run get no spans of
// their own. Adapted from telemetry.InitTelemetry, trimmed to the
// stdout exporter only: a standalone overlay tool has no collector to ship
// spans to, unlike the gRPC service this pattern was grounded on.
package telemetry

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// Init sets up a stdout-exporting tracer provider for serviceName. It
// returns a shutdown function that must be called before the process
// exits to flush pending spans. Setting DISABLE_TELEMETRY=true skips setup
// entirely and returns a no-op shutdown.
func Init(ctx context.Context, serviceName string) (func(), error) {
	if os.Getenv("DISABLE_TELEMETRY") == "true" {
		klog.Info("telemetry: disabled via DISABLE_TELEMETRY")
		return func() {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("environment", os.Getenv("ENVIRONMENT")),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	klog.Info("telemetry: initialized with stdout exporter")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("telemetry: shutdown error: %v", err)
		}
	}, nil
}

// Tracer returns a named tracer.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StageSpan starts a span named after a pipeline stage and returns the
// function to end it; callers typically defer the returned function.
func StageSpan(ctx context.Context, stage string) (context.Context, func()) {
	ctx, span := Tracer("vmoverlay").Start(ctx, stage)
	return ctx, func() { span.End() }
}
