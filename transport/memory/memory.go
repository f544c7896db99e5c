// Package memory is an in-process transport.Transport. Delayed tasks are
// held by timers; nothing survives a restart, so engines using it rely on
// recovery from the job store at startup.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/courier/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport is a FIFO of due tasks plus a set of pending timers.
type Transport struct {
	mu     sync.Mutex
	ready  []transport.Task
	timers map[*time.Timer]struct{}
	signal chan struct{}
	closed bool
	done   chan struct{}
}

// New returns an empty Transport.
func New() *Transport {
	return &Transport{
		timers: make(map[*time.Timer]struct{}),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue adds t now or after delay.
func (m *Transport) Enqueue(_ context.Context, t transport.Task, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return transport.ErrClosed
	}
	if delay <= 0 {
		m.pushLocked(t)
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, timer)
		if !m.closed {
			m.pushLocked(t)
		}
	})
	m.timers[timer] = struct{}{}
	return nil
}

func (m *Transport) pushLocked(t transport.Task) {
	m.ready = append(m.ready, t)
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a task is ready.
func (m *Transport) Dequeue(ctx context.Context) (transport.Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, transport.ErrClosed
		}
		if len(m.ready) > 0 {
			t := m.ready[0]
			m.ready = m.ready[1:]
			more := len(m.ready) > 0
			m.mu.Unlock()
			if more {
				// Wake another waiter for the remaining tasks.
				select {
				case m.signal <- struct{}{}:
				default:
				}
			}
			return &delivery{t: t, m: m}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, transport.ErrClosed
		case <-m.signal:
		}
	}
}

// Len returns the number of due tasks plus pending delayed tasks.
func (m *Transport) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready) + len(m.timers)
}

// Close stops all timers and unblocks Dequeue.
func (m *Transport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	close(m.done)
	return nil
}

type delivery struct {
	t transport.Task
	m *Transport
}

func (d *delivery) Task() transport.Task { return d.t }

func (d *delivery) Ack(context.Context) error { return nil }

func (d *delivery) Nack(ctx context.Context) error { return d.m.Enqueue(ctx, d.t, 0) }
