// Package tracing wires go.opentelemetry.io/otel's SDK around a stdout
// exporter: one TracerProvider per worker, one span per transaction
// boundary (spec §4.5's host calls), so a replay run's span tree visibly
// mirrors its event log.
package tracing

import (
	"context"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer is the narrow surface the executor and worker loop use to open
// spans; kept distinct from oteltrace.Tracer so a no-op implementation
// doesn't require constructing a real TracerProvider.
type Tracer interface {
	Start(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span)
}

type otelTracer struct {
	tracer oteltrace.Tracer
}

// Noop returns a Tracer backed by otel's global no-op trace.Tracer — used
// in tests that don't want to stand up a TracerProvider.
func Noop() Tracer {
	return otelTracer{tracer: oteltrace.NewNoopTracerProvider().Tracer("noop")}
}

func (t otelTracer) Start(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

// New builds a Tracer for serviceName. When DURABLE_TRACING is unset or
// falsy, spans are still created (cheap no-op cost) but never exported —
// matching the teacher's "continue without the exporter" posture in
// internal/observability/otel.go, simplified to the one exporter this
// repo depends on (stdouttrace; no OTLP network exporter, see
// SPEC_FULL.md 4A for why).
func New(ctx context.Context, serviceName string) (Tracer, func(context.Context), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	var opts []sdktrace.TracerProviderOption
	opts = append(opts, sdktrace.WithResource(res))

	if tracingEnabled() {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		opts = append(opts, sdktrace.WithSampler(sdktrace.AlwaysSample()))
	} else {
		opts = append(opts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	shutdown := func(ctx context.Context) {
		_ = tp.Shutdown(ctx)
	}
	return otelTracer{tracer: tp.Tracer(serviceName)}, shutdown, nil
}

func tracingEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("DURABLE_TRACING")))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
