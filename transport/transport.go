// Package transport hands item tasks to worker capacity. A Transport
// offers enqueue with optional delay, blocking dequeue and per-delivery
// acknowledgement; delivery is at-least-once, so consumers must tolerate
// duplicates.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/courier/id"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("courier/transport: closed")

// Task asks a worker to run one attempt of one item.
type Task struct {
	JobID   id.JobID
	FileID  int64
	Attempt int
}

func (t Task) String() string {
	return fmt.Sprintf("%s/%d#%d", t.JobID, t.FileID, t.Attempt)
}

// Delivery is a dequeued task awaiting acknowledgement.
type Delivery interface {
	Task() Task

	// Ack removes the task permanently.
	Ack(ctx context.Context) error

	// Nack returns the task for immediate redelivery.
	Nack(ctx context.Context) error
}

// Transport moves tasks from producers to workers.
type Transport interface {
	// Enqueue makes t available after delay.
	Enqueue(ctx context.Context, t Task, delay time.Duration) error

	// Dequeue blocks until a task is due, ctx is done, or the transport
	// is closed.
	Dequeue(ctx context.Context) (Delivery, error)

	// Close releases resources and unblocks Dequeue.
	Close() error
}

// Reclaimer is implemented by transports that park dequeued tasks until
// they are acknowledged. Reclaim returns tasks parked for longer than
// olderThan to the ready queue, so deliveries held by a crashed consumer
// are handed out again.
type Reclaimer interface {
	Reclaim(ctx context.Context, olderThan time.Duration) (int, error)
}
