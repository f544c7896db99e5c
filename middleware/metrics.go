package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/courier/processor"
)

// meterName is the instrumentation scope name for courier metrics.
const meterName = "github.com/xraph/courier"

// Metrics returns middleware that records per-attempt metrics using the
// global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - courier.item.attempt.duration (Float64Histogram): attempt time in
//     seconds, with attribute outcome ("ok", "transient", "permanent",
//     "timeout")
//   - courier.item.attempts (Int64Counter): total attempts, with the
//     same attribute
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"courier.item.attempt.duration",
		metric.WithDescription("Duration of item processing attempts in seconds"),
		metric.WithUnit("s"),
	)
	attempts, _ := meter.Int64Counter(
		"courier.item.attempts",
		metric.WithDescription("Total number of item processing attempts"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, a *Attempt, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		outcome := "ok"
		if err != nil {
			outcome = processor.Classify(err).Kind.String()
		}
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))

		duration.Record(ctx, elapsed, attrs)
		attempts.Add(ctx, 1, attrs)

		return err
	}
}
