package stream_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/stream"
)

type fixture struct {
	store  *memory.Store
	broker *stream.Broker
	job    *job.Job
}

func newFixture(t *testing.T, opts ...stream.BrokerOption) *fixture {
	t.Helper()
	s := memory.New()
	j, items := job.New([]int64{10000, 10001}, time.Now().UTC())
	if err := s.CreateJob(context.Background(), j, items, nil); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	b := stream.NewBroker(s, slog.Default(), opts...)
	t.Cleanup(b.Close)
	return &fixture{store: s, broker: b, job: j}
}

// run applies a store transition and publishes its events, as the
// executor does.
func (f *fixture) run(t *testing.T, fn func(ctx context.Context) ([]job.Event, error)) {
	t.Helper()
	evs, err := fn(context.Background())
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	f.broker.Publish(evs...)
}

func (f *fixture) start(t *testing.T, fileID int64) {
	f.run(t, func(ctx context.Context) ([]job.Event, error) {
		_, evs, err := f.store.StartItem(ctx, f.job.ID, fileID, 1)
		return evs, err
	})
}

func (f *fixture) complete(t *testing.T, fileID int64) {
	f.run(t, func(ctx context.Context) ([]job.Event, error) {
		_, evs, err := f.store.CompleteItem(ctx, f.job.ID, fileID, 1, job.Result{ArtifactKey: "k", SizeBytes: 1})
		return evs, err
	})
}

// drain collects events until the subscription closes.
func drain(t *testing.T, sub *stream.Subscription) []job.Event {
	t.Helper()
	var out []job.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("stream did not end; got %d events", len(out))
		}
	}
}

func assertContiguous(t *testing.T, evs []job.Event, from int64) {
	t.Helper()
	for i, e := range evs {
		if e.Seq != from+int64(i) {
			t.Fatalf("event %d has seq %d, want %d", i, e.Seq, from+int64(i))
		}
	}
}

func TestLiveStreamEndsWithTerminalEvent(t *testing.T) {
	f := newFixture(t)
	sub, err := f.broker.Subscribe(context.Background(), f.job.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	f.start(t, 10000)
	f.start(t, 10001)
	f.complete(t, 10000)
	f.complete(t, 10001)

	evs := drain(t, sub)
	assertContiguous(t, evs, 1)
	if len(evs) != 6 {
		t.Fatalf("got %d events, want 6", len(evs))
	}
	if last := evs[len(evs)-1]; last.Type != job.EventJobCompleted {
		t.Fatalf("last event = %s", last.Type)
	}
}

func TestReplayFromStore(t *testing.T) {
	f := newFixture(t)
	f.start(t, 10000)
	f.start(t, 10001)

	sub, err := f.broker.Subscribe(context.Background(), f.job.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	f.complete(t, 10000)
	f.complete(t, 10001)

	evs := drain(t, sub)
	assertContiguous(t, evs, 2)
	if evs[0].Type != job.EventItemStarted {
		t.Fatalf("first replayed event = %s", evs[0].Type)
	}
}

func TestSubscribeToFinishedJob(t *testing.T) {
	f := newFixture(t)
	f.start(t, 10000)
	f.start(t, 10001)
	f.complete(t, 10000)
	f.complete(t, 10001)

	tests := []struct {
		name string
		from int64
		want int
	}{
		{"from start", 0, 6},
		{"from middle", 5, 2},
		{"past the end", 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := f.broker.Subscribe(context.Background(), f.job.ID, tt.from)
			if err != nil {
				t.Fatal(err)
			}
			if evs := drain(t, sub); len(evs) != tt.want {
				t.Fatalf("got %d events, want %d", len(evs), tt.want)
			}
		})
	}
}

func TestGapIsFilledFromStore(t *testing.T) {
	f := newFixture(t)
	sub, err := f.broker.Subscribe(context.Background(), f.job.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Events 1-2 are committed but never published; event 3 arrives live.
	if _, _, err := f.store.StartItem(context.Background(), f.job.ID, 10000, 1); err != nil {
		t.Fatal(err)
	}
	f.start(t, 10001)
	f.complete(t, 10000)
	f.complete(t, 10001)

	evs := drain(t, sub)
	assertContiguous(t, evs, 1)
	if len(evs) != 6 {
		t.Fatalf("got %d events, want 6", len(evs))
	}
}

func TestSlowSubscriberCatchesUp(t *testing.T) {
	f := newFixture(t, stream.WithBufferSize(1))
	sub, err := f.broker.Subscribe(context.Background(), f.job.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	f.start(t, 10000)
	f.start(t, 10001)
	f.complete(t, 10000)
	f.complete(t, 10001)

	// Nothing was read while events were published; all must still arrive.
	evs := drain(t, sub)
	assertContiguous(t, evs, 1)
	if len(evs) != 6 {
		t.Fatalf("got %d events, want 6", len(evs))
	}
}

func TestCloseSubscription(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := f.broker.Subscribe(ctx, f.job.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.broker.Stats().SubscriberCount; got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}

	cancel()
	drain(t, sub)

	deadline := time.Now().Add(2 * time.Second)
	for f.broker.Stats().JobCount != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("actor still running: %+v", f.broker.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIndependentJobs(t *testing.T) {
	f := newFixture(t)
	other, items := job.New([]int64{20000}, time.Now().UTC())
	if err := f.store.CreateJob(context.Background(), other, items, nil); err != nil {
		t.Fatal(err)
	}

	subA, _ := f.broker.Subscribe(context.Background(), f.job.ID, 0)
	subB, _ := f.broker.Subscribe(context.Background(), other.ID, 0)

	_, evs, err := f.store.StartItem(context.Background(), other.ID, 20000, 1)
	if err != nil {
		t.Fatal(err)
	}
	f.broker.Publish(evs...)
	_, evs, _ = f.store.CompleteItem(context.Background(), other.ID, 20000, 1, job.Result{ArtifactKey: "k"})
	f.broker.Publish(evs...)

	if got := drain(t, subB); len(got) != 4 {
		t.Fatalf("job B got %d events, want 4", len(got))
	}
	select {
	case e := <-subA.C():
		t.Fatalf("job A received %s from another job", e.Type)
	default:
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.broker.Stats().JobCount != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v, want only job A active", f.broker.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBrokerClose(t *testing.T) {
	f := newFixture(t)
	sub, err := f.broker.Subscribe(context.Background(), f.job.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	f.broker.Close()
	drain(t, sub)

	if _, err := f.broker.Subscribe(context.Background(), f.job.ID, 0); err == nil {
		t.Fatal("Subscribe after Close should fail")
	}
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t)
	sub, err := f.broker.Subscribe(context.Background(), id.NewJobID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if evs := drain(t, sub); len(evs) != 0 {
		t.Fatalf("got %d events for unknown job", len(evs))
	}
}
