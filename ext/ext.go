// Package ext defines the extension system for Courier.
// Extensions are notified of lifecycle events (job created, item
// completed, item dead-lettered, etc.) and can react to them: logging,
// metrics, streaming, audit.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobCreated is called after a new job and its items are persisted.
// It is not called for idempotent replays of an existing job.
type JobCreated interface {
	OnJobCreated(ctx context.Context, j *job.Job) error
}

// JobStarted is called when the first item of a job starts.
type JobStarted interface {
	OnJobStarted(ctx context.Context, e job.Event) error
}

// JobFinished is called when a job reaches a terminal status:
// completed, failed, canceled or expired.
type JobFinished interface {
	OnJobFinished(ctx context.Context, e job.Event) error
}

// ──────────────────────────────────────────────────
// Item lifecycle hooks
// ──────────────────────────────────────────────────

// ItemStarted is called when an attempt of an item begins.
type ItemStarted interface {
	OnItemStarted(ctx context.Context, e job.Event) error
}

// ItemCompleted is called when an item's artifact is ready.
type ItemCompleted interface {
	OnItemCompleted(ctx context.Context, e job.Event) error
}

// ItemRetrying is called when an attempt failed and the item was
// requeued. e.RetryIn holds the backoff delay.
type ItemRetrying interface {
	OnItemRetrying(ctx context.Context, e job.Event) error
}

// ItemFailed is called when an item fails terminally.
type ItemFailed interface {
	OnItemFailed(ctx context.Context, e job.Event) error
}

// ItemCanceled is called when a queued item is canceled.
type ItemCanceled interface {
	OnItemCanceled(ctx context.Context, e job.Event) error
}

// ItemDeadLettered is called after an exhausted item is recorded in the
// dead letter queue.
type ItemDeadLettered interface {
	OnItemDeadLettered(ctx context.Context, entry *dlq.Entry) error
}

// ──────────────────────────────────────────────────
// Other hooks
// ──────────────────────────────────────────────────

// EventObserver receives every progress event regardless of type, in
// the order the store produced them for each job.
type EventObserver interface {
	OnEvent(ctx context.Context, e job.Event) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
