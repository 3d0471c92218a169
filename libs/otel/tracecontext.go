package otelx

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Stored trace context is always W3C, whatever the global propagator is.
var w3c = propagation.TraceContext{}

// TraceContextStrings captures the W3C trace context of ctx for storing next
// to a record. Both values are empty when ctx carries no valid span.
func TraceContextStrings(ctx context.Context) (traceparent string, tracestate string) {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return "", ""
	}
	carrier := propagation.MapCarrier{}
	w3c.Inject(ctx, carrier)
	return carrier.Get("traceparent"), carrier.Get("tracestate")
}

// ContextWithTraceContext makes the stored span the remote parent of ctx.
func ContextWithTraceContext(ctx context.Context, traceparent string, tracestate string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	if tracestate != "" {
		carrier["tracestate"] = tracestate
	}
	return w3c.Extract(ctx, carrier)
}
