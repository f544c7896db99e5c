package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/courier"
	artmemory "github.com/xraph/courier/artifact/memory"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/processor"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/transport"
	memtransport "github.com/xraph/courier/transport/memory"
)

func ok(_ context.Context, fileID int64) (job.Result, error) {
	return job.Result{ArtifactKey: processor.Key(fileID), SizeBytes: 64}, nil
}

func newEngine(t *testing.T, proc processor.Processor, copts []courier.Option, eopts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	c, err := courier.New(append([]courier.Option{courier.WithStore(s)}, copts...)...)
	if err != nil {
		t.Fatalf("courier.New: %v", err)
	}
	eopts = append([]engine.Option{
		engine.WithProcessor(proc),
		engine.WithBackoff(backoff.NewConstant(time.Millisecond)),
	}, eopts...)
	eng, err := engine.Build(c, eopts...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng, s
}

func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
}

// drain collects a subscription until it closes.
func drain(t *testing.T, eng *engine.Engine, jobID id.JobID) []job.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := eng.Subscribe(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	var evs []job.Event
	for ev := range sub.C() {
		evs = append(evs, ev)
	}
	if ctx.Err() != nil {
		t.Fatal("subscription did not end before the deadline")
	}
	return evs
}

func TestBuild_RequiresStore(t *testing.T) {
	c, err := courier.New()
	if err != nil {
		t.Fatalf("courier.New: %v", err)
	}
	if _, err := engine.Build(c); !errors.Is(err, courier.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	eng, s := newEngine(t, processor.Func(ok), nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		fileIDs []int64
	}{
		{"out of range", []int64{5}},
		{"empty", nil},
		{"duplicate", []int64{10_001, 10_001}},
		{"above max", []int64{100_000_001}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := eng.CreateJob(ctx, engine.CreateRequest{FileIDs: tt.fileIDs})
			var ve *courier.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
		})
	}

	jobs, err := s.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no job to be created, got %d", len(jobs))
	}
}

func TestCreateJob_MaxBatch(t *testing.T) {
	eng, _ := newEngine(t, processor.Func(ok), []courier.Option{courier.WithMaxBatch(2)})
	_, _, err := eng.CreateJob(context.Background(), engine.CreateRequest{FileIDs: []int64{10_001, 10_002, 10_003}})
	if !errors.Is(err, courier.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreateJob_Idempotent(t *testing.T) {
	eng, s := newEngine(t, processor.Func(ok), nil)
	ctx := context.Background()
	req := engine.CreateRequest{FileIDs: []int64{10_001, 10_002}, IdempotencyKey: "req-1", ClientReference: "ref"}

	first, created, err := eng.CreateJob(ctx, req)
	if err != nil || !created {
		t.Fatalf("first CreateJob = %v, %v", created, err)
	}
	if first.Counts.Total != 2 || first.Status != job.StatusQueued {
		t.Errorf("first job = %s %+v", first.Status, first.Counts)
	}

	// A replay with different file ids still returns the original job.
	second, created, err := eng.CreateJob(ctx, engine.CreateRequest{FileIDs: []int64{10_009}, IdempotencyKey: "req-1"})
	if err != nil {
		t.Fatalf("second CreateJob: %v", err)
	}
	if created {
		t.Error("expected the replay not to create a job")
	}
	if second.ID != first.ID || second.Counts.Total != 2 {
		t.Errorf("replay returned %s with %d items", second.ID, second.Counts.Total)
	}

	jobs, _ := s.ListJobs(ctx, job.ListOpts{})
	if len(jobs) != 1 {
		t.Errorf("jobs = %d, want 1", len(jobs))
	}
	// The replay hands the never-started items out again; the attempt
	// guard drops whichever copy runs second.
	if tr, ok := eng.Transport().(*memtransport.Transport); !ok || tr.Len() != 4 {
		t.Errorf("expected 4 enqueued tasks")
	}
}

// hiccupTransport fails the enqueue numbered failOn.
type hiccupTransport struct {
	*memtransport.Transport
	failOn int32
	calls  atomic.Int32
}

func (h *hiccupTransport) Enqueue(ctx context.Context, t transport.Task, delay time.Duration) error {
	if h.calls.Add(1) == h.failOn {
		return errors.New("broker hiccup")
	}
	return h.Transport.Enqueue(ctx, t, delay)
}

func TestCreateJob_EnqueueFailureResumedByRetry(t *testing.T) {
	tr := &hiccupTransport{Transport: memtransport.New(), failOn: 2}
	eng, _ := newEngine(t, processor.Func(ok), nil, engine.WithTransport(tr))
	ctx := context.Background()
	req := engine.CreateRequest{FileIDs: []int64{10_001, 10_002, 10_003}, IdempotencyKey: "req-hiccup"}

	if _, _, err := eng.CreateJob(ctx, req); err == nil || !strings.Contains(err.Error(), "broker hiccup") {
		t.Fatalf("first CreateJob error = %v, want the enqueue failure", err)
	}

	j, created, err := eng.CreateJob(ctx, req)
	if err != nil {
		t.Fatalf("retried CreateJob: %v", err)
	}
	if created {
		t.Error("expected the retry to replay the persisted job")
	}

	startEngine(t, eng)
	evs := drain(t, eng, j.ID)
	if last := evs[len(evs)-1]; last.Type != job.EventJobCompleted {
		t.Fatalf("last event = %s, want job.completed", last.Type)
	}
	snap, err := eng.GetStatus(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	for _, it := range snap.Items {
		if it.Status != job.ItemCompleted || it.Attempt != 1 {
			t.Errorf("%d = %s at %d, want completed at 1", it.FileID, it.Status, it.Attempt)
		}
	}
}

func TestCreateJob_EnqueueFailureWithoutKeySettles(t *testing.T) {
	tr := &hiccupTransport{Transport: memtransport.New(), failOn: 1}
	eng, s := newEngine(t, processor.Func(ok), nil, engine.WithTransport(tr))
	ctx := context.Background()

	if _, _, err := eng.CreateJob(ctx, engine.CreateRequest{FileIDs: []int64{10_001, 10_002}}); err == nil {
		t.Fatal("expected the enqueue failure to be returned")
	}

	jobs, err := s.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Status != job.StatusCanceled {
		t.Errorf("unreachable job = %s, want canceled", jobs[0].Status)
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	eng, _ := newEngine(t, processor.Func(ok), nil)
	_, err := eng.GetStatus(context.Background(), id.NewJobID())
	if !errors.Is(err, courier.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := eng.Subscribe(context.Background(), id.NewJobID(), 0); !errors.Is(err, courier.ErrJobNotFound) {
		t.Fatalf("Subscribe: expected ErrJobNotFound, got %v", err)
	}
}

func TestEndToEnd_PartialFailure(t *testing.T) {
	var attempts70001 atomic.Int32
	proc := processor.Func(func(ctx context.Context, fileID int64) (job.Result, error) {
		if fileID == 70001 {
			attempts70001.Add(1)
			return job.Result{}, processor.Transient(job.CodeUnavailable, errors.New("upstream returned 503"))
		}
		return ok(ctx, fileID)
	})
	eng, _ := newEngine(t, proc, []courier.Option{courier.WithFailureThreshold(0), courier.WithConcurrency(3)})
	startEngine(t, eng)
	ctx := context.Background()

	j, created, err := eng.CreateJob(ctx, engine.CreateRequest{FileIDs: []int64{70000, 70001, 70002}})
	if err != nil || !created {
		t.Fatalf("CreateJob = %v, %v", created, err)
	}

	evs := drain(t, eng, j.ID)
	last := evs[len(evs)-1]
	if last.Type != job.EventJobCompleted {
		t.Fatalf("last event = %s, want job.completed", last.Type)
	}
	for i, ev := range evs {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}

	snap, err := eng.GetStatus(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.Job.Status != job.StatusCompleted || snap.Job.Counts.Done != 2 || snap.Job.Counts.Failed != 1 {
		t.Fatalf("snapshot = %s %+v", snap.Job.Status, snap.Job.Counts)
	}
	if last.Counts != snap.Job.Counts {
		t.Errorf("terminal event counts %+v differ from snapshot %+v", last.Counts, snap.Job.Counts)
	}
	for i, want := range []int64{70000, 70001, 70002} {
		if snap.Items[i].FileID != want {
			t.Errorf("item %d = %d, want %d", i, snap.Items[i].FileID, want)
		}
	}
	failed := snap.Items[1]
	if failed.Status != job.ItemFailed || failed.ErrorCode != job.CodeRetryExhausted || failed.Attempt != 5 {
		t.Errorf("70001 = %s/%s at %d", failed.Status, failed.ErrorCode, failed.Attempt)
	}
	if attempts70001.Load() != 5 {
		t.Errorf("70001 attempts = %d, want 5", attempts70001.Load())
	}

	retries := 0
	for _, ev := range evs {
		if ev.Type == job.EventItemRetrying {
			retries++
		}
	}
	if retries != 4 {
		t.Errorf("item.retrying events = %d, want 4", retries)
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.DLQCount != 1 {
		t.Errorf("dlq count = %d, want 1", stats.DLQCount)
	}
}

func TestEndToEnd_PermanentFailureFailsJob(t *testing.T) {
	proc := processor.Func(func(ctx context.Context, fileID int64) (job.Result, error) {
		if fileID == 10_002 {
			return job.Result{}, processor.Permanent(job.CodeNotFound, errors.New("missing"))
		}
		return ok(ctx, fileID)
	})
	eng, _ := newEngine(t, proc, []courier.Option{courier.WithConcurrency(1)})
	startEngine(t, eng)

	j, _, err := eng.CreateJob(context.Background(), engine.CreateRequest{FileIDs: []int64{10_001, 10_002}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	evs := drain(t, eng, j.ID)
	if last := evs[len(evs)-1]; last.Type != job.EventJobFailed {
		t.Fatalf("last event = %s, want job.failed", last.Type)
	}

	// Completed items of a failed job remain downloadable.
	snap, _ := eng.GetStatus(context.Background(), j.ID)
	if snap.Items[0].Status != job.ItemCompleted {
		t.Errorf("10001 = %s, want completed", snap.Items[0].Status)
	}
}

func TestCancel_MidFlight(t *testing.T) {
	var ran sync.Map
	proc := processor.Func(func(ctx context.Context, fileID int64) (job.Result, error) {
		ran.Store(fileID, true)
		return ok(ctx, fileID)
	})
	eng, _ := newEngine(t, proc, nil)
	ctx := context.Background()

	j, _, err := eng.CreateJob(ctx, engine.CreateRequest{FileIDs: []int64{10_001, 10_002, 10_003}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Two items are mid-attempt; the third stays queued.
	for _, f := range []int64{10_001, 10_002} {
		if _, _, err := eng.Store().StartItem(ctx, j.ID, f, 1); err != nil {
			t.Fatalf("StartItem: %v", err)
		}
	}

	canceled, err := eng.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.Status == job.StatusCanceled {
		t.Fatal("job must not be canceled while items are processing")
	}
	if !canceled.CancelRequested {
		t.Error("expected CancelRequested")
	}

	// Cancel is idempotent.
	if _, err := eng.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	for _, f := range []int64{10_001, 10_002} {
		if _, _, err := eng.Store().CompleteItem(ctx, j.ID, f, 1, job.Result{ArtifactKey: processor.Key(f), SizeBytes: 1}); err != nil {
			t.Fatalf("CompleteItem: %v", err)
		}
	}

	snap, err := eng.GetStatus(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.Job.Status != job.StatusCanceled {
		t.Fatalf("job status = %s, want canceled", snap.Job.Status)
	}
	if snap.Job.Counts != (job.Counts{Done: 2, Canceled: 1, Total: 3}) {
		t.Errorf("counts = %+v", snap.Job.Counts)
	}
	if snap.Items[2].Status != job.ItemCanceled {
		t.Errorf("10003 = %s, want canceled", snap.Items[2].Status)
	}

	// The queued task for the canceled item is dropped by the pool.
	startEngine(t, eng)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if eng.Transport().(*memtransport.Transport).Len() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := ran.Load(int64(10_003)); ok {
		t.Error("canceled item was processed")
	}
}

func TestDownloadURL(t *testing.T) {
	arts := artmemory.New(artmemory.WithBaseURL("https://files.example.com"))
	proc := processor.NewArtifact(processor.Simulated{Size: 64}, arts)
	eng, s := newEngine(t, proc, nil, engine.WithArtifactStore(arts))
	ctx := context.Background()

	j, _, err := eng.CreateJob(ctx, engine.CreateRequest{FileIDs: []int64{10_001}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := eng.DownloadURL(ctx, j.ID, 10_001); !errors.Is(err, courier.ErrItemNotReady) {
		t.Fatalf("before completion: expected ErrItemNotReady, got %v", err)
	}
	if _, err := eng.DownloadURL(ctx, j.ID, 99_999); !errors.Is(err, courier.ErrItemNotFound) {
		t.Fatalf("unknown item: expected ErrItemNotFound, got %v", err)
	}

	startEngine(t, eng)
	drain(t, eng, j.ID)

	url, err := eng.DownloadURL(ctx, j.ID, 10_001)
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	if !strings.HasPrefix(url, "https://files.example.com/downloads/10001.zip?") {
		t.Errorf("url = %q", url)
	}

	if _, _, err := s.ExpireJob(ctx, j.ID); err != nil {
		t.Fatalf("ExpireJob: %v", err)
	}
	if _, err := eng.DownloadURL(ctx, j.ID, 10_001); !errors.Is(err, courier.ErrJobExpired) {
		t.Fatalf("after expiry: expected ErrJobExpired, got %v", err)
	}
}

func TestRecover(t *testing.T) {
	hourAgo := func() time.Time { return time.Now().UTC().Add(-time.Hour) }
	s := memory.New(memory.WithClock(hourAgo))
	c, err := courier.New(courier.WithStore(s))
	if err != nil {
		t.Fatalf("courier.New: %v", err)
	}
	eng, err := engine.Build(c, engine.WithProcessor(processor.Func(ok)))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx := context.Background()

	// Persist a job behind the engine's back, as if the process had
	// crashed after writing it.
	j, items := job.New([]int64{10_001, 10_002, 10_003}, hourAgo())
	if err := s.CreateJob(ctx, j, items, nil); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	// 10_003 was mid-attempt when the process died.
	if _, _, err := s.StartItem(ctx, j.ID, 10_003, 1); err != nil {
		t.Fatalf("StartItem: %v", err)
	}

	n, err := eng.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 3 {
		t.Fatalf("recovered = %d, want 3", n)
	}
	it, _ := s.GetItem(ctx, j.ID, 10_003)
	if it.Status != job.ItemQueued || it.Attempt != 1 {
		t.Errorf("orphan = %s at %d, want queued at 1", it.Status, it.Attempt)
	}

	startEngine(t, eng)
	evs := drain(t, eng, j.ID)
	if last := evs[len(evs)-1]; last.Type != job.EventJobCompleted {
		t.Fatalf("last event = %s, want job.completed", last.Type)
	}
}

func TestReclaim_WhileRunning(t *testing.T) {
	eng, s := newEngine(t, processor.Func(ok), []courier.Option{
		courier.WithAttemptTimeout(20 * time.Millisecond),
		courier.WithRecoverOnStart(false),
	})
	ctx := context.Background()

	j, _, err := eng.CreateJob(ctx, engine.CreateRequest{FileIDs: []int64{10_001}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	// Another process took the attempt and died; its task copy is gone.
	if _, _, err := s.StartItem(ctx, j.ID, 10_001, 1); err != nil {
		t.Fatalf("StartItem: %v", err)
	}

	startEngine(t, eng)
	evs := drain(t, eng, j.ID)
	if last := evs[len(evs)-1]; last.Type != job.EventJobCompleted {
		t.Fatalf("last event = %s, want job.completed", last.Type)
	}
	it, err := s.GetItem(ctx, j.ID, 10_001)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if it.Status != job.ItemCompleted || it.Attempt != 2 {
		t.Errorf("item = %s at %d, want completed at 2", it.Status, it.Attempt)
	}
}
