package kafkax

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestExtractEventMetaFallsBackToTopicAndKey(t *testing.T) {
	msg := kafka.Message{
		Topic: "inventory.stock.reserved.v1",
		Key:   []byte("sku-1"),
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte("evt-1")},
		},
	}
	meta := ExtractEventMeta(msg)
	if meta.EventID != "evt-1" {
		t.Fatalf("unexpected event id %q", meta.EventID)
	}
	if meta.EventType != msg.Topic {
		t.Fatalf("expected event type from topic, got %q", meta.EventType)
	}
	if meta.AggregateID != "sku-1" {
		t.Fatalf("expected aggregate id from key, got %q", meta.AggregateID)
	}
}

func TestHeadersFromMapIsSorted(t *testing.T) {
	hs := HeadersFromMap(map[string]string{"b": "2", "a": "1"})
	if len(hs) != 2 || hs[0].Key != "a" || hs[1].Key != "b" {
		t.Fatalf("unexpected headers %+v", hs)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := InjectTraceHeaders(ctx, []kafka.Header{{Key: HeaderEventID, Value: []byte("e")}})
	if HeaderValue(headers, "traceparent") == "" {
		t.Fatal("expected traceparent header")
	}

	out := ExtractTraceContext(context.Background(), kafka.Message{Headers: headers})
	if trace.SpanContextFromContext(out).TraceID() != span.SpanContext().TraceID() {
		t.Fatal("trace id not propagated")
	}
}
