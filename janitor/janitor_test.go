package janitor_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/janitor"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/store/memory"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []job.Event
}

func (r *recordingEmitter) EmitEvents(_ context.Context, evs ...job.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
}

func (r *recordingEmitter) types() []job.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]job.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// finishedJob creates a single-item job and runs it to completion, or to
// failure when fail is set.
func finishedJob(t *testing.T, s *memory.Store, fail bool) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, items := job.New([]int64{10_001}, time.Now().UTC())
	if err := s.CreateJob(ctx, j, items, nil); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, _, err := s.StartItem(ctx, j.ID, 10_001, 1); err != nil {
		t.Fatalf("StartItem: %v", err)
	}
	var err error
	if fail {
		_, _, err = s.FailItem(ctx, j.ID, 10_001, 1, job.Failure{Code: job.CodeNotFound})
	} else {
		_, _, err = s.CompleteItem(ctx, j.ID, 10_001, 1, job.Result{ArtifactKey: "k", SizeBytes: 1})
	}
	if err != nil {
		t.Fatalf("finish item: %v", err)
	}
	return j
}

func TestExpireJobs(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	completed := finishedJob(t, s, false)
	failed := finishedJob(t, s, true)
	active, items := job.New([]int64{10_002}, time.Now().UTC())
	if err := s.CreateJob(ctx, active, items, nil); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	em := &recordingEmitter{}
	later := func() time.Time { return time.Now().UTC().Add(100 * time.Hour) }
	jn := janitor.New(s, nil, nil, em, slog.Default(),
		janitor.WithRetention(72*time.Hour),
		janitor.WithClock(later),
	)

	n, err := jn.ExpireJobs(ctx)
	if err != nil {
		t.Fatalf("ExpireJobs: %v", err)
	}
	if n != 2 {
		t.Fatalf("expired = %d, want 2", n)
	}

	for _, tt := range []struct {
		id   id.JobID
		want job.Status
	}{
		{completed.ID, job.StatusExpired},
		{failed.ID, job.StatusExpired},
		{active.ID, job.StatusQueued},
	} {
		got, err := s.GetJob(ctx, tt.id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Status != tt.want {
			t.Errorf("job %s status = %s, want %s", tt.id, got.Status, tt.want)
		}
	}

	types := em.types()
	if len(types) != 2 || types[0] != job.EventJobExpired || types[1] != job.EventJobExpired {
		t.Errorf("emitted = %v, want two job.expired", types)
	}

	// A second run finds nothing left to expire.
	if n, err := jn.ExpireJobs(ctx); err != nil || n != 0 {
		t.Errorf("second run = %d, %v", n, err)
	}
}

func TestExpireJobs_WithinRetention(t *testing.T) {
	s := memory.New()
	finishedJob(t, s, false)

	jn := janitor.New(s, nil, nil, nil, slog.Default(), janitor.WithRetention(time.Hour))
	n, err := jn.ExpireJobs(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("ExpireJobs = %d, %v; want 0", n, err)
	}
}

func TestSweepIdempotency(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, ttl := range []time.Duration{time.Minute, 48 * time.Hour} {
		j, items := job.New([]int64{10_001}, now)
		rec := idempotency.NewRecord([]string{"short", "long"}[i], j.ID, now, ttl)
		if err := s.CreateJob(ctx, j, items, rec); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	cache := idempotency.NewCache(s, 24*time.Hour,
		idempotency.WithClock(func() time.Time { return now.Add(time.Hour) }))
	jn := janitor.New(s, cache, nil, nil, slog.Default())

	n, err := jn.SweepIdempotency(ctx)
	if err != nil {
		t.Fatalf("SweepIdempotency: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if _, err := s.GetIdempotency(ctx, "long"); err != nil {
		t.Errorf("long-lived key should remain: %v", err)
	}
}

func TestPurgeDLQ(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	svc := dlq.NewService(s)

	j, items := job.New([]int64{10_001}, time.Now().UTC())
	if _, err := svc.Push(ctx, j, items[0], job.Failure{Code: job.CodeRetryExhausted}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	keep := janitor.New(s, nil, svc, nil, slog.Default(), janitor.WithDLQRetention(time.Hour))
	if n, err := keep.PurgeDLQ(ctx); err != nil || n != 0 {
		t.Fatalf("PurgeDLQ(1h) = %d, %v", n, err)
	}

	time.Sleep(5 * time.Millisecond)
	purge := janitor.New(s, nil, svc, nil, slog.Default(), janitor.WithDLQRetention(time.Millisecond))
	if n, err := purge.PurgeDLQ(ctx); err != nil || n != 1 {
		t.Fatalf("PurgeDLQ(1ms) = %d, %v", n, err)
	}

	disabled := janitor.New(s, nil, svc, nil, slog.Default())
	if n, err := disabled.PurgeDLQ(ctx); err != nil || n != 0 {
		t.Fatalf("PurgeDLQ(disabled) = %d, %v", n, err)
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"@every 1m", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"not a schedule", true},
		{"* * * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			_, err := janitor.ParseSchedule(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	jn := janitor.New(memory.New(), nil, nil, nil, slog.Default(), janitor.WithExpirySchedule("bogus"))
	if err := jn.Start(context.Background()); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	s := memory.New()
	j := finishedJob(t, s, false)

	jn := janitor.New(s, nil, nil, nil, slog.Default(),
		janitor.WithRetention(time.Nanosecond),
		janitor.WithExpirySchedule("@every 1s"),
	)
	if err := jn.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = jn.Stop(ctx)
	}()

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetJob(context.Background(), j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Status == job.StatusExpired {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("job was not expired by the scheduled run")
}

type countingReclaimer struct {
	runs chan struct{}
}

func (c *countingReclaimer) Reclaim(context.Context) (int, error) {
	select {
	case c.runs <- struct{}{}:
	default:
	}
	return 0, nil
}

func TestStart_SchedulesReclaim(t *testing.T) {
	r := &countingReclaimer{runs: make(chan struct{}, 1)}
	jn := janitor.New(memory.New(), nil, nil, nil, slog.Default(),
		janitor.WithRetention(0),
		janitor.WithReclaimer(r, "@every 1s"),
	)
	if err := jn.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = jn.Stop(ctx)
	}()

	select {
	case <-r.runs:
	case <-time.After(4 * time.Second):
		t.Fatal("reclaimer did not run on its schedule")
	}
}
