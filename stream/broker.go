package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Broker)(nil)
	_ ext.EventObserver = (*Broker)(nil)
	_ ext.Shutdown      = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 256

// DefaultInboxSize is the default per-job actor inbox.
const DefaultInboxSize = 64

// ErrBrokerClosed is returned by Subscribe after the broker shut down.
var ErrBrokerClosed = errors.New("courier/stream: broker closed")

// Source is the durable event log the broker replays from. It is the
// job store.
type Source interface {
	GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error)
	ListEvents(ctx context.Context, jobID id.JobID, afterSeq int64) ([]job.Event, error)
}

// Broker fans job events out to subscriptions. Each job with at least one
// subscription has its own actor goroutine; every delivery decision for
// that job is made by the actor, so per-job order needs no locks.
type Broker struct {
	source Source
	logger *slog.Logger

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup

	bufferSize int
	inboxSize  int

	totalPublished atomic.Int64
	totalReplayed  atomic.Int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscription event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithInboxSize sets the per-job actor inbox size.
func WithInboxSize(size int) BrokerOption {
	return func(b *Broker) { b.inboxSize = size }
}

// NewBroker creates a broker replaying from source.
func NewBroker(source Source, logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		source:     source,
		logger:     logger,
		actors:     make(map[string]*actor),
		bufferSize: DefaultBufferSize,
		inboxSize:  DefaultInboxSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// OnEvent implements ext.EventObserver.
func (b *Broker) OnEvent(_ context.Context, e job.Event) error {
	b.Publish(e)
	return nil
}

// OnShutdown implements ext.Shutdown.
func (b *Broker) OnShutdown(_ context.Context) error {
	b.Close()
	b.logger.Info("stream broker shut down")
	return nil
}

// Publish hands events to the actor of their job. Events for jobs nobody
// watches are discarded; subscribers joining later replay them from the
// store.
func (b *Broker) Publish(events ...job.Event) {
	for _, e := range events {
		b.mu.Lock()
		a := b.actors[e.JobID.String()]
		b.mu.Unlock()
		if a == nil {
			continue
		}
		select {
		case a.inbox <- message{event: e}:
		case <-a.done:
		}
	}
}

// Subscribe streams the events of jobID with Seq ≥ fromSeq. Events already
// in the store are replayed first. The subscription channel closes after
// the terminal job event, when ctx is done, or on Close.
//
// fromSeq ≤ 1 replays from the beginning.
func (b *Broker) Subscribe(ctx context.Context, jobID id.JobID, fromSeq int64) (*Subscription, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	sub := newSubscription(id.NewSubscriptionID(), jobID, fromSeq, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	key := jobID.String()
	a := b.actors[key]
	if a == nil {
		a = newActor(b, jobID, b.inboxSize)
		b.actors[key] = a
		b.wg.Add(1)
		go a.run()
	}
	a.refs++
	b.mu.Unlock()

	sub.leave = func() {
		select {
		case a.inbox <- message{leave: sub}:
		case <-a.done:
		}
	}
	select {
	case a.inbox <- message{join: sub}:
	case <-a.done:
		return nil, ErrBrokerClosed
	}

	stop := context.AfterFunc(ctx, sub.Close)
	go func() {
		<-sub.closed
		stop()
	}()
	return sub, nil
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	b.mu.Lock()
	jobs := len(b.actors)
	subs := 0
	for _, a := range b.actors {
		subs += a.refs
	}
	b.mu.Unlock()
	return BrokerStats{
		JobCount:        jobs,
		SubscriberCount: subs,
		TotalPublished:  b.totalPublished.Load(),
		TotalReplayed:   b.totalReplayed.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	JobCount        int   `json:"job_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalReplayed   int64 `json:"total_replayed"`
}

// Close ends every subscription and stops all actors.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	actors := make([]*actor, 0, len(b.actors))
	for _, a := range b.actors {
		actors = append(actors, a)
	}
	b.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	b.wg.Wait()

	b.mu.Lock()
	clear(b.actors)
	b.mu.Unlock()
}

// release drops one reference to a and reports whether the actor should
// exit. Called by the actor itself.
func (b *Broker) release(a *actor) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	a.refs--
	if a.refs > 0 {
		return false
	}
	if b.actors[a.key] == a {
		delete(b.actors, a.key)
	}
	return true
}
