// Package tracing bootstraps OpenTelemetry tracing for the master and agent
// daemons: one span per bus call (StartCall, from internal/graph's
// dispatcher) and one per process execution (StartProcess, from
// cmd/testbus-agent), exported over OTLP when configured.
//
// This is ambient observability, not a spec.md feature surface — spec.md's
// Non-goals never mention tracing, so it is carried unconditionally per
// SPEC_FULL.md's ambient-stack rule.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown flushes and stops the tracer provider; call it from the daemon's
// top-level defer.
type Shutdown func(context.Context) error

// Setup installs a global TracerProvider for serviceName. When
// TESTBUS_OTLP_ENDPOINT is unset, spans are still created but never
// exported (an always-sample, no-op-exporter provider), so callers never
// need to branch on whether tracing is "on."
func Setup(ctx context.Context, serviceName string) (Shutdown, error) {
	endpoint := os.Getenv("TESTBUS_OTLP_ENDPOINT")

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	var opts []sdktrace.TracerProviderOption
	opts = append(opts, sdktrace.WithResource(res))

	if endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(5*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("tracing: build otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		slog.InfoContext(ctx, "tracing.Setup: exporting spans", "endpoint", endpoint, "service", serviceName)
	} else {
		slog.InfoContext(ctx, "tracing.Setup: no TESTBUS_OTLP_ENDPOINT set, spans are created but not exported", "service", serviceName)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package-scoped tracer used by StartCall and StartProcess.
func Tracer() trace.Tracer { return otel.Tracer("github.com/banksean/testbus") }

// StartCall starts a span for one bus call dispatch.
func StartCall(ctx context.Context, path, iface, method string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, iface+"."+method, trace.WithAttributes(
		attribute.String("testbus.path", path),
		attribute.String("testbus.interface", iface),
		attribute.String("testbus.method", method),
	))
}

// StartProcess starts a span for one agent-side process execution.
func StartProcess(ctx context.Context, host, processPath string, argv []string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "process.exec", trace.WithAttributes(
		attribute.String("testbus.host", host),
		attribute.String("testbus.process_path", processPath),
		attribute.StringSlice("testbus.argv", argv),
	))
}
