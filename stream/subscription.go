package stream

import (
	"sync"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// Subscription is one consumer of a job's event stream.
type Subscription struct {
	id    id.SubscriptionID
	jobID id.JobID
	ch    chan job.Event

	// Owned by the job's actor.
	next     int64
	lagging  bool
	terminal bool
	done     bool

	leave     func()
	closeOnce sync.Once
	closed    chan struct{}
}

func newSubscription(subID id.SubscriptionID, jobID id.JobID, from int64, buffer int) *Subscription {
	return &Subscription{
		id:     subID,
		jobID:  jobID,
		ch:     make(chan job.Event, buffer),
		next:   from,
		closed: make(chan struct{}),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() id.SubscriptionID { return s.id }

// JobID returns the watched job.
func (s *Subscription) JobID() id.JobID { return s.jobID }

// C returns the event channel. Events arrive in Seq order without gaps
// and the channel is closed when the stream ends.
func (s *Subscription) C() <-chan job.Event { return s.ch }

// Done is closed once Close was called or the context given to Subscribe
// ended.
func (s *Subscription) Done() <-chan struct{} { return s.closed }

// Close detaches the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.leave != nil {
			s.leave()
		}
	})
}
