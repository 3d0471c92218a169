package otelx

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "outbox.record")
	defer span.End()

	traceparent, tracestate := TraceContextStrings(ctx)
	if traceparent == "" {
		t.Fatal("expected traceparent to be captured")
	}

	restored := ContextWithTraceContext(context.Background(), traceparent, tracestate)
	got := trace.SpanContextFromContext(restored)
	if got.TraceID() != span.SpanContext().TraceID() {
		t.Fatalf("trace id mismatch: %s vs %s", got.TraceID(), span.SpanContext().TraceID())
	}

	if ContextWithTraceContext(ctx, "", "") != ctx {
		t.Fatal("empty trace context must return ctx unchanged")
	}
}

func TestTraceContextStringsWithoutSpan(t *testing.T) {
	if tp, ts := TraceContextStrings(context.Background()); tp != "" || ts != "" {
		t.Fatalf("expected empty trace context, got %q %q", tp, ts)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.25")
	t.Setenv("DEPLOY_ENV", "staging")
	cfg := ConfigFromEnv("inventory-service")
	if cfg.Enabled || cfg.SampleRatio != 0.25 || cfg.Environment != "staging" || cfg.ServiceName != "inventory-service" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("OTEL_SAMPLING_RATIO", "7")
	if got := ConfigFromEnv("x").SampleRatio; got != 1 {
		t.Fatalf("out of range ratio should fall back to 1, got %v", got)
	}
}
