// Package storetest is a conformance suite for store.Store backends.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises every store operation against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"CreateAndSnapshot", testCreateAndSnapshot},
		{"IdempotentCreate", testIdempotentCreate},
		{"ItemTransitionsAndEvents", testItemTransitionsAndEvents},
		{"ConcurrentCompletionsKeepCounts", testConcurrentCompletions},
		{"CancelAndExpire", testCancelAndExpire},
		{"ListJobs", testListJobs},
		{"IdempotencySweep", testIdempotencySweep},
		{"DLQ", testDLQ},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func createJob(t *testing.T, s store.Store, ids ...int64) *job.Job {
	t.Helper()
	j, items := job.New(ids, time.Now().UTC())
	if err := s.CreateJob(context.Background(), j, items, nil); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

func testCreateAndSnapshot(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := createJob(t, s, 70002, 70000, 70001)

	snap, err := s.GetSnapshot(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.Job.ID != j.ID || snap.Job.Status != job.StatusQueued {
		t.Fatalf("job = %s %s", snap.Job.ID, snap.Job.Status)
	}
	if snap.Job.Counts.Total != 3 || len(snap.Items) != 3 {
		t.Fatalf("snapshot = %+v", snap.Job.Counts)
	}
	for i, want := range []int64{70002, 70000, 70001} {
		if snap.Items[i].FileID != want || snap.Job.FileIDs[i] != want {
			t.Errorf("item %d = %d, want %d", i, snap.Items[i].FileID, want)
		}
		if snap.Items[i].Status != job.ItemQueued || snap.Items[i].Attempt != 0 {
			t.Errorf("item %d = %s at %d", i, snap.Items[i].Status, snap.Items[i].Attempt)
		}
	}
	if snap.Job.MaxAttempts != j.MaxAttempts || snap.Job.FailureThreshold != j.FailureThreshold {
		t.Errorf("policy = %d/%d, want %d/%d",
			snap.Job.MaxAttempts, snap.Job.FailureThreshold, j.MaxAttempts, j.FailureThreshold)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("GetJob unknown = %v", err)
	}
	if _, err := s.GetSnapshot(ctx, id.NewJobID()); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("GetSnapshot unknown = %v", err)
	}
	if _, err := s.GetItem(ctx, j.ID, 99999); !errors.Is(err, courier.ErrItemNotFound) {
		t.Errorf("GetItem unknown = %v", err)
	}
	if _, _, err := s.StartItem(ctx, id.NewJobID(), 70000, 1); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("StartItem unknown job = %v", err)
	}
}

func testIdempotentCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	j1, items1 := job.New([]int64{10000}, now, job.WithIdempotencyKey("key-1"))
	if err := s.CreateJob(ctx, j1, items1, idempotency.NewRecord("key-1", j1.ID, now, time.Hour)); err != nil {
		t.Fatalf("first create: %v", err)
	}

	j2, items2 := job.New([]int64{10001}, now)
	err := s.CreateJob(ctx, j2, items2, idempotency.NewRecord("key-1", j2.ID, now, time.Hour))
	var conflict *idempotency.ConflictError
	if !errors.As(err, &conflict) || conflict.JobID != j1.ID {
		t.Fatalf("second create = %v, want conflict naming %s", err, j1.ID)
	}
	if !errors.Is(err, courier.ErrIdempotencyConflict) {
		t.Errorf("conflict does not match ErrIdempotencyConflict")
	}
	if _, err := s.GetJob(ctx, j2.ID); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("conflicting create persisted a job")
	}

	// An expired record no longer blocks the key.
	old, oldItems := job.New([]int64{10002}, now)
	if err := s.CreateJob(ctx, old, oldItems, idempotency.NewRecord("key-2", old.ID, now.Add(-time.Hour), time.Minute)); err != nil {
		t.Fatalf("create with stale record: %v", err)
	}
	j3, items3 := job.New([]int64{10003}, now)
	if err := s.CreateJob(ctx, j3, items3, idempotency.NewRecord("key-2", j3.ID, now, time.Hour)); err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
	got, err := s.GetIdempotency(ctx, "key-2")
	if err != nil || got.JobID != j3.ID {
		t.Fatalf("record = %+v, %v", got, err)
	}

	if _, err := s.GetIdempotency(ctx, "missing"); !errors.Is(err, courier.ErrKeyNotFound) {
		t.Errorf("GetIdempotency missing = %v", err)
	}
}

func testItemTransitionsAndEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := createJob(t, s, 10000, 10001)

	if _, _, err := s.StartItem(ctx, j.ID, 10000, 1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.StartItem(ctx, j.ID, 10000, 1); !errors.Is(err, courier.ErrStaleAttempt) {
		t.Fatalf("duplicate start = %v", err)
	}
	if _, _, err := s.RetryItem(ctx, j.ID, 10000, 1, job.Failure{Code: job.CodeTimeout}, time.Second); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.StartItem(ctx, j.ID, 10000, 2); err != nil {
		t.Fatal(err)
	}
	done, _, err := s.CompleteItem(ctx, j.ID, 10000, 2, job.Result{ArtifactKey: "k", SizeBytes: 7})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != job.ItemCompleted || done.ArtifactKey != "k" || done.SizeBytes != 7 || done.Attempt != 2 {
		t.Errorf("completed item = %+v", done)
	}
	if _, _, err := s.StartItem(ctx, j.ID, 10000, 3); !errors.Is(err, courier.ErrItemTerminal) {
		t.Errorf("start of completed item = %v", err)
	}
	if _, _, err := s.StartItem(ctx, j.ID, 10001, 1); err != nil {
		t.Fatal(err)
	}
	it, evs, err := s.FailItem(ctx, j.ID, 10001, 1, job.Failure{Code: job.CodeNotFound, Message: "gone"})
	if err != nil {
		t.Fatal(err)
	}
	if it.Status != job.ItemFailed || it.ErrorCode != job.CodeNotFound || it.ErrorMessage != "gone" {
		t.Fatalf("failed item = %+v", it)
	}
	if evs[len(evs)-1].Type != job.EventJobFailed {
		t.Fatalf("events = %+v", evs)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusFailed || got.Counts != (job.Counts{Done: 1, Failed: 1, Total: 2}) {
		t.Errorf("job = %s %+v", got.Status, got.Counts)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("timestamps not set: started %v completed %v", got.StartedAt, got.CompletedAt)
	}

	all, err := s.ListEvents(ctx, j.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []job.EventType{
		job.EventJobStarted, job.EventItemStarted, job.EventItemRetrying, job.EventItemStarted,
		job.EventItemCompleted, job.EventItemStarted, job.EventItemFailed, job.EventJobFailed,
	}
	if len(all) != len(want) {
		t.Fatalf("got %d events, want %d", len(all), len(want))
	}
	for i, ev := range all {
		if ev.Type != want[i] || ev.Seq != int64(i+1) {
			t.Errorf("event %d = %s/%d, want %s/%d", i, ev.Type, ev.Seq, want[i], i+1)
		}
	}
	if all[2].RetryIn != time.Second || all[2].ErrorCode != job.CodeTimeout {
		t.Errorf("retrying event = %+v", all[2])
	}
	if got.EventSeq != int64(len(all)) {
		t.Errorf("event seq = %d, want %d", got.EventSeq, len(all))
	}

	tail, _ := s.ListEvents(ctx, j.ID, 6)
	if len(tail) != 2 || tail[0].Seq != 7 {
		t.Errorf("ListEvents after 6 = %+v", tail)
	}
	if none, _ := s.ListEvents(ctx, j.ID, 100); len(none) != 0 {
		t.Errorf("ListEvents past end returned %d", len(none))
	}
}

func testConcurrentCompletions(t *testing.T, s store.Store) {
	ctx := context.Background()

	ids := make([]int64, 50)
	for i := range ids {
		ids[i] = 10000 + int64(i)
	}
	j := createJob(t, s, ids...)

	var wg sync.WaitGroup
	for _, f := range ids {
		wg.Add(1)
		go func(f int64) {
			defer wg.Done()
			if _, _, err := s.StartItem(ctx, j.ID, f, 1); err != nil {
				t.Error(err)
				return
			}
			if _, _, err := s.CompleteItem(ctx, j.ID, f, 1, job.Result{}); err != nil {
				t.Error(err)
			}
		}(f)
	}
	wg.Wait()

	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != job.StatusCompleted || got.Counts.Done != len(ids) {
		t.Fatalf("job = %s %+v", got.Status, got.Counts)
	}
	evs, _ := s.ListEvents(ctx, j.ID, 0)
	if int64(len(evs)) != got.EventSeq {
		t.Errorf("events %d != seq %d", len(evs), got.EventSeq)
	}
	terminal := 0
	for i, ev := range evs {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.Type.Terminal() {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal events = %d, want 1", terminal)
	}
}

func testCancelAndExpire(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := createJob(t, s, 10000, 10001)

	if _, _, err := s.StartItem(ctx, j.ID, 10000, 1); err != nil {
		t.Fatal(err)
	}
	got, evs, err := s.CancelJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CancelRequested || len(evs) != 1 {
		t.Fatalf("cancel = %+v events %d", got, len(evs))
	}
	item, _ := s.GetItem(ctx, j.ID, 10001)
	if item.Status != job.ItemCanceled {
		t.Errorf("queued item = %s, want canceled", item.Status)
	}

	if _, _, err := s.ExpireJob(ctx, j.ID); !errors.Is(err, courier.ErrInvalidState) {
		t.Fatalf("expire active job = %v", err)
	}
	if _, _, err := s.CompleteItem(ctx, j.ID, 10000, 1, job.Result{}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.Status != job.StatusCanceled {
		t.Fatalf("status = %s", got.Status)
	}

	got, evs, err = s.ExpireJob(ctx, j.ID)
	if err != nil || got.Status != job.StatusExpired || len(evs) != 1 {
		t.Fatalf("expire = %v %v %d", got, err, len(evs))
	}
	stored, _ := s.GetJob(ctx, j.ID)
	if stored.Status != job.StatusExpired {
		t.Errorf("stored status = %s", stored.Status)
	}

	list, _ := s.ListJobs(ctx, job.ListOpts{Statuses: []job.Status{job.StatusExpired}})
	if len(list) != 1 {
		t.Errorf("ListJobs(expired) = %d", len(list))
	}
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	done := createJob(t, s, 10000)
	time.Sleep(time.Millisecond)
	active := createJob(t, s, 10001)
	time.Sleep(time.Millisecond)
	createJob(t, s, 10002)

	if _, _, err := s.StartItem(ctx, done.ID, 10000, 1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.CompleteItem(ctx, done.ID, 10000, 1, job.Result{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.StartItem(ctx, active.ID, 10001, 1); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != done.ID || all[1].ID != active.ID {
		t.Fatalf("ListJobs = %d entries, not in creation order", len(all))
	}

	page, _ := s.ListJobs(ctx, job.ListOpts{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != active.ID {
		t.Errorf("page = %+v", page)
	}

	running, _ := s.ListJobs(ctx, job.ListOpts{Statuses: []job.Status{job.StatusQueued, job.StatusProcessing}})
	if len(running) != 2 {
		t.Errorf("ListJobs(queued, processing) = %d", len(running))
	}

	finished, err := s.ListJobs(ctx, job.ListOpts{FinishedBefore: time.Now().UTC().Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(finished) != 1 || finished[0].ID != done.ID {
		t.Fatalf("ListJobs(finished) = %d entries", len(finished))
	}
	if none, _ := s.ListJobs(ctx, job.ListOpts{FinishedBefore: time.Now().UTC().Add(-time.Hour)}); len(none) != 0 {
		t.Errorf("ListJobs(finished an hour ago) = %d", len(none))
	}
}

func testIdempotencySweep(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	old, oldItems := job.New([]int64{10000}, now)
	fresh, freshItems := job.New([]int64{10001}, now)
	if err := s.CreateJob(ctx, old, oldItems, idempotency.NewRecord("old", old.ID, now.Add(-time.Hour), time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(ctx, fresh, freshItems, idempotency.NewRecord("fresh", fresh.ID, now, time.Hour)); err != nil {
		t.Fatal(err)
	}

	// DeleteIdempotency leaves live records alone.
	if err := s.DeleteIdempotency(ctx, "fresh", now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetIdempotency(ctx, "fresh"); err != nil {
		t.Fatalf("fresh record removed by delete: %v", err)
	}

	n, err := s.SweepIdempotency(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	if _, err := s.GetIdempotency(ctx, "old"); !errors.Is(err, courier.ErrKeyNotFound) {
		t.Errorf("old record still present: %v", err)
	}
	if _, err := s.GetIdempotency(ctx, "fresh"); err != nil {
		t.Errorf("fresh record removed: %v", err)
	}
}

func testDLQ(t *testing.T, s store.Store) {
	ctx := context.Background()
	jobID := id.NewJobID()
	now := time.Now().UTC()

	for i, age := range []time.Duration{3 * time.Hour, time.Hour, 0} {
		e := &dlq.Entry{
			ID:        id.NewDLQID(),
			JobID:     jobID,
			FileID:    int64(10000 + i),
			ErrorCode: job.CodeRetryExhausted,
			Error:     "upstream returned 503",
			Attempts:  5,
			FailedAt:  now.Add(-age),
			CreatedAt: now,
		}
		if err := s.PushDLQ(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PushDLQ(ctx, &dlq.Entry{ID: id.NewDLQID(), JobID: id.NewJobID(), FailedAt: now, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}

	list, _ := s.ListDLQ(ctx, dlq.ListOpts{JobID: jobID})
	if len(list) != 3 || list[0].FileID != 10002 {
		t.Fatalf("ListDLQ = %d entries, first %+v", len(list), list)
	}
	if list[0].ErrorCode != job.CodeRetryExhausted || list[0].Attempts != 5 {
		t.Errorf("entry = %+v", list[0])
	}
	page, _ := s.ListDLQ(ctx, dlq.ListOpts{Limit: 2, Offset: 1})
	if len(page) != 2 {
		t.Errorf("page = %d", len(page))
	}
	if _, err := s.GetDLQ(ctx, list[0].ID); err != nil {
		t.Errorf("GetDLQ: %v", err)
	}
	if _, err := s.GetDLQ(ctx, id.NewDLQID()); !errors.Is(err, courier.ErrDLQNotFound) {
		t.Errorf("GetDLQ unknown = %v", err)
	}

	purged, _ := s.PurgeDLQ(ctx, now.Add(-2*time.Hour))
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if n, _ := s.CountDLQ(ctx); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}
