package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*MetricsExtension)(nil)
	_ ext.JobCreated       = (*MetricsExtension)(nil)
	_ ext.JobFinished      = (*MetricsExtension)(nil)
	_ ext.ItemCompleted    = (*MetricsExtension)(nil)
	_ ext.ItemRetrying     = (*MetricsExtension)(nil)
	_ ext.ItemFailed       = (*MetricsExtension)(nil)
	_ ext.ItemCanceled     = (*MetricsExtension)(nil)
	_ ext.ItemDeadLettered = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/courier/observability"

// MetricsExtension records system-wide lifecycle metrics through an
// OpenTelemetry meter. Register it as a Courier extension to track job
// creation, terminal job outcomes, item outcomes, retries and dead
// letters.
//
// Instruments:
//   - courier.jobs.created (Int64Counter)
//   - courier.jobs.finished (Int64Counter), attribute status
//   - courier.items.finished (Int64Counter), attribute status and,
//     for failures, error_code
//   - courier.items.retried (Int64Counter), attribute error_code
//   - courier.items.dead_lettered (Int64Counter), attribute error_code
//   - courier.artifact.size (Int64Histogram), bytes per completed item
type MetricsExtension struct {
	jobsCreated   metric.Int64Counter
	jobsFinished  metric.Int64Counter
	itemsFinished metric.Int64Counter
	itemsRetried  metric.Int64Counter
	deadLettered  metric.Int64Counter
	artifactSize  metric.Int64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// The API hands back noop instruments alongside any error.
	m := &MetricsExtension{}
	m.jobsCreated, _ = meter.Int64Counter("courier.jobs.created",
		metric.WithDescription("Jobs accepted"),
		metric.WithUnit("{job}"))
	m.jobsFinished, _ = meter.Int64Counter("courier.jobs.finished",
		metric.WithDescription("Jobs that reached a terminal status"),
		metric.WithUnit("{job}"))
	m.itemsFinished, _ = meter.Int64Counter("courier.items.finished",
		metric.WithDescription("Items that reached a terminal status"),
		metric.WithUnit("{item}"))
	m.itemsRetried, _ = meter.Int64Counter("courier.items.retried",
		metric.WithDescription("Item attempts that were scheduled for retry"),
		metric.WithUnit("{attempt}"))
	m.deadLettered, _ = meter.Int64Counter("courier.items.dead_lettered",
		metric.WithDescription("Items recorded in the dead letter queue"),
		metric.WithUnit("{item}"))
	m.artifactSize, _ = meter.Int64Histogram("courier.artifact.size",
		metric.WithDescription("Size of produced artifacts"),
		metric.WithUnit("By"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnJobCreated implements ext.JobCreated.
func (m *MetricsExtension) OnJobCreated(ctx context.Context, _ *job.Job) error {
	m.jobsCreated.Add(ctx, 1)
	return nil
}

// OnJobFinished implements ext.JobFinished.
func (m *MetricsExtension) OnJobFinished(ctx context.Context, e job.Event) error {
	m.jobsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(e.JobStatus)),
	))
	return nil
}

// OnItemCompleted implements ext.ItemCompleted.
func (m *MetricsExtension) OnItemCompleted(ctx context.Context, e job.Event) error {
	m.itemsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(job.ItemCompleted)),
	))
	m.artifactSize.Record(ctx, e.SizeBytes)
	return nil
}

// OnItemRetrying implements ext.ItemRetrying.
func (m *MetricsExtension) OnItemRetrying(ctx context.Context, e job.Event) error {
	m.itemsRetried.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_code", e.ErrorCode),
	))
	return nil
}

// OnItemFailed implements ext.ItemFailed.
func (m *MetricsExtension) OnItemFailed(ctx context.Context, e job.Event) error {
	m.itemsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(job.ItemFailed)),
		attribute.String("error_code", e.ErrorCode),
	))
	return nil
}

// OnItemCanceled implements ext.ItemCanceled.
func (m *MetricsExtension) OnItemCanceled(ctx context.Context, _ job.Event) error {
	m.itemsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(job.ItemCanceled)),
	))
	return nil
}

// OnItemDeadLettered implements ext.ItemDeadLettered.
func (m *MetricsExtension) OnItemDeadLettered(ctx context.Context, entry *dlq.Entry) error {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_code", entry.ErrorCode),
	))
	return nil
}
