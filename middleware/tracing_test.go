package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/courier/job"
	mw "github.com/xraph/courier/middleware"
	"github.com/xraph/courier/processor"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTracing_CreatesSpan(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)
	a := newTestAttempt()

	if err := m(context.Background(), a, func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "courier.item.process" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", spans[0].Status().Code)
	}

	attrs := spanAttrs(spans[0])
	if got := attrs["courier.job.id"].AsString(); got != a.JobID.String() {
		t.Errorf("courier.job.id = %q", got)
	}
	if got := attrs["courier.file.id"].AsInt64(); got != 70001 {
		t.Errorf("courier.file.id = %d", got)
	}
	if got := attrs["courier.attempt"].AsInt64(); got != 2 {
		t.Errorf("courier.attempt = %d", got)
	}
}

func TestTracing_RecordsFailure(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)

	procErr := processor.Permanent(job.CodeNotFound, errors.New("no such file"))
	err := m(context.Background(), newTestAttempt(), func(_ context.Context) error { return procErr })
	if !errors.Is(err, procErr) {
		t.Fatalf("error not propagated: %v", err)
	}

	span := sr.Ended()[0]
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status().Code)
	}
	attrs := spanAttrs(span)
	if got := attrs["courier.failure.kind"].AsString(); got != "permanent" {
		t.Errorf("failure kind = %q", got)
	}
	if got := attrs["courier.failure.code"].AsString(); got != job.CodeNotFound {
		t.Errorf("failure code = %q", got)
	}
	if len(span.Events()) == 0 {
		t.Error("expected the error to be recorded as a span event")
	}
}

func TestTracing_PropagatesSpanContext(t *testing.T) {
	_, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)

	var valid bool
	_ = m(context.Background(), newTestAttempt(), func(ctx context.Context) error {
		valid = trace.SpanContextFromContext(ctx).IsValid()
		return nil
	})
	if !valid {
		t.Fatal("handler context should carry the attempt span")
	}
}
