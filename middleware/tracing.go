package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/courier/processor"
)

// tracerName is the instrumentation scope name for courier tracing.
const tracerName = "github.com/xraph/courier"

// Tracing returns middleware that wraps each attempt in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through.
//
// Span attributes: courier.job.id, courier.file.id, courier.attempt,
// courier.max_attempts and, on failure, courier.failure.kind and
// courier.failure.code.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, a *Attempt, next Handler) error {
		ctx, span := tracer.Start(ctx, "courier.item.process",
			trace.WithAttributes(
				attribute.String("courier.job.id", a.JobID.String()),
				attribute.Int64("courier.file.id", a.FileID),
				attribute.Int("courier.attempt", a.Attempt),
				attribute.Int("courier.max_attempts", a.MaxAttempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			pe := processor.Classify(err)
			span.SetAttributes(
				attribute.String("courier.failure.kind", pe.Kind.String()),
				attribute.String("courier.failure.code", pe.Code),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
