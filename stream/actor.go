package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// catchUpInterval is how often a lagging subscription is refilled from
// the store.
const catchUpInterval = 100 * time.Millisecond

// replayTimeout bounds one store read made by an actor.
const replayTimeout = 5 * time.Second

type message struct {
	event job.Event
	join  *Subscription
	leave *Subscription
}

// actor owns the subscriptions of one job.
type actor struct {
	b     *Broker
	jobID id.JobID
	key   string
	inbox chan message
	done  chan struct{}
	quit  chan struct{}

	refs int // guarded by b.mu
	subs map[*Subscription]struct{}
}

func newActor(b *Broker, jobID id.JobID, inbox int) *actor {
	return &actor{
		b:     b,
		jobID: jobID,
		key:   jobID.String(),
		inbox: make(chan message, inbox),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
		subs:  make(map[*Subscription]struct{}),
	}
}

func (a *actor) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
}

func (a *actor) run() {
	defer a.b.wg.Done()
	defer close(a.done)

	ticker := time.NewTicker(catchUpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.quit:
			for s := range a.subs {
				a.finish(s)
			}
			return

		case m := <-a.inbox:
			switch {
			case m.join != nil:
				a.join(m.join)
			case m.leave != nil:
				if _, ok := a.subs[m.leave]; ok {
					a.finish(m.leave)
				}
				if a.b.release(a) {
					return
				}
			default:
				a.b.totalPublished.Add(1)
				for s := range a.subs {
					a.deliver(s, m.event)
				}
			}

		case <-ticker.C:
			for s := range a.subs {
				if s.lagging {
					a.catchUp(s)
				}
			}
		}
	}
}

// join replays stored events and registers the subscription for live
// delivery. The job is read before the log: if it was already terminal
// then, its terminal event is in the log and the stream ends once the
// log is drained.
func (a *actor) join(s *Subscription) {
	a.subs[s] = struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	defer cancel()
	j, err := a.b.source.GetJob(ctx, a.jobID)
	if err != nil {
		a.b.logger.Warn("stream: load job for subscription",
			slog.String("job_id", a.key),
			slog.String("error", err.Error()),
		)
		a.finish(s)
		return
	}

	s.terminal = j.Status.Terminal()
	a.catchUp(s)
}

// deliver sends a live event, deduplicating replays and refilling gaps
// from the store.
func (a *actor) deliver(s *Subscription, e job.Event) {
	if s.done || s.lagging || e.Seq < s.next {
		return
	}
	if e.Seq > s.next {
		a.catchUp(s)
		return
	}
	a.send(s, e)
}

// catchUp sends stored events from s.next until the buffer fills. A
// subscription to a job that was terminal when it joined ends once the
// log is drained, even when it asked to start past the terminal event.
func (a *actor) catchUp(s *Subscription) {
	if s.done {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	defer cancel()
	events, err := a.b.source.ListEvents(ctx, a.jobID, s.next-1)
	if err != nil {
		a.b.logger.Warn("stream: replay events",
			slog.String("job_id", a.key),
			slog.Int64("from_seq", s.next),
			slog.String("error", err.Error()),
		)
		s.lagging = true
		return
	}
	s.lagging = false
	for _, e := range events {
		if e.Seq < s.next {
			continue
		}
		if !a.send(s, e) {
			return
		}
		a.b.totalReplayed.Add(1)
		if s.done {
			return
		}
	}
	if s.terminal {
		a.finish(s)
	}
}

// send pushes e without blocking. A full buffer marks s as lagging; the
// missed events are read back from the store later.
func (a *actor) send(s *Subscription, e job.Event) bool {
	select {
	case <-s.closed:
		a.finish(s)
		return false
	default:
	}
	select {
	case s.ch <- e:
		s.next = e.Seq + 1
		if e.Type.Terminal() {
			a.finish(s)
		}
		return true
	default:
		s.lagging = true
		return false
	}
}

// finish closes the subscription channel. The subscription stays
// counted until its leave message arrives.
func (a *actor) finish(s *Subscription) {
	if s.done {
		return
	}
	s.done = true
	s.lagging = false
	delete(a.subs, s)
	close(s.ch)
	go s.Close()
}
