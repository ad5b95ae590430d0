package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	SetTracerProvider(tp, ServiceName)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), ServiceName, "", "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSpanAttributes(t *testing.T) {
	sr := setupRecorder(t)

	ctx, span := StartSpan(context.Background(), "gateway.complete")
	AddRequestAttributes(span, "tenant-a", "req-1", "chatbot", "gpt-4o-mini")
	AddRoutingAttributes(span, "cheapest", "header", 3)
	AddUsageAttributes(span, 10, 5, 0.000123)
	if TraceID(ctx) == "" {
		t.Error("expected a trace ID inside a recording span")
	}
	span.End()

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	attrs := attrMap(ended[0].Attributes())
	if attrs["tenant.id"].AsString() != "tenant-a" {
		t.Errorf("tenant.id = %v", attrs["tenant.id"])
	}
	if attrs["routing.strategy"].AsString() != "cheapest" {
		t.Errorf("routing.strategy = %v", attrs["routing.strategy"])
	}
	if attrs["tokens.total"].AsInt64() != 15 {
		t.Errorf("tokens.total = %v", attrs["tokens.total"])
	}
}

func TestRecordFailure(t *testing.T) {
	sr := setupRecorder(t)

	_, span := StartSpan(context.Background(), "provider.attempt")
	AddAttemptAttributes(span, "groq", "llama-3.1-8b-instant", 1)
	RecordFailure(span, errors.New("status=429"), "RATE_LIMITED")
	span.End()

	s := sr.Ended()[0]
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", s.Status().Code)
	}
	if attrMap(s.Attributes())["error.reason"].AsString() != "RATE_LIMITED" {
		t.Error("expected error.reason attribute")
	}
	if len(s.Events()) == 0 {
		t.Error("expected the error to be recorded as an event")
	}
}

func TestTraceID_NoSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID = %q, want empty", got)
	}
}
