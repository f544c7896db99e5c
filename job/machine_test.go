package job_test

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newJob(t *testing.T, ids []int64, opts ...job.Option) (*job.Job, map[int64]*job.Item) {
	t.Helper()
	j, items := job.New(ids, t0, opts...)
	byID := make(map[int64]*job.Item, len(items))
	for _, it := range items {
		byID[it.FileID] = it
	}
	return j, byID
}

func apply(t *testing.T, j *job.Job, it *job.Item, tr job.ItemTransition) []job.Event {
	t.Helper()
	evs, err := tr(j, it, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	return evs
}

func types(evs []job.Event) []job.EventType {
	out := make([]job.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func equalTypes(a, b []job.EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		ids     []int64
		max     int
		wantErr bool
	}{
		{"single valid", []int64{70000}, 1000, false},
		{"range bounds", []int64{job.MinFileID, job.MaxFileID}, 1000, false},
		{"empty", nil, 1000, true},
		{"below range", []int64{5}, 1000, true},
		{"above range", []int64{job.MaxFileID + 1}, 1000, true},
		{"too many", []int64{10000, 10001, 10002}, 2, true},
		{"duplicate", []int64{10000, 10000}, 1000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := job.Validate(tt.ids, tt.max)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, courier.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	ids := []int64{70002, 70000, 70001}
	j, items := job.New(ids, t0, job.WithClientReference("ref-1"))

	if j.Status != job.StatusQueued {
		t.Errorf("status = %s, want queued", j.Status)
	}
	if j.Counts.Total != 3 {
		t.Errorf("total = %d, want 3", j.Counts.Total)
	}
	if j.ClientReference != "ref-1" {
		t.Errorf("client reference = %q", j.ClientReference)
	}
	for i, it := range items {
		if it.FileID != ids[i] {
			t.Errorf("item %d file id = %d, want %d", i, it.FileID, ids[i])
		}
		if it.Status != job.ItemQueued || it.Attempt != 0 {
			t.Errorf("item %d = %s/%d, want queued/0", i, it.Status, it.Attempt)
		}
		if it.JobID != j.ID {
			t.Errorf("item %d job id mismatch", i)
		}
	}
}

func TestHappyPath(t *testing.T) {
	j, items := newJob(t, []int64{70000, 70001})

	evs := apply(t, j, items[70000], job.Start(1))
	if !equalTypes(types(evs), []job.EventType{job.EventJobStarted, job.EventItemStarted}) {
		t.Fatalf("start events = %v", types(evs))
	}
	if j.Status != job.StatusProcessing || j.StartedAt == nil {
		t.Fatalf("job = %s started=%v", j.Status, j.StartedAt)
	}

	evs = apply(t, j, items[70001], job.Start(1))
	if !equalTypes(types(evs), []job.EventType{job.EventItemStarted}) {
		t.Fatalf("second start events = %v", types(evs))
	}

	apply(t, j, items[70000], job.Complete(1, job.Result{ArtifactKey: "downloads/70000.zip", SizeBytes: 10}))
	evs = apply(t, j, items[70001], job.Complete(1, job.Result{ArtifactKey: "downloads/70001.zip", SizeBytes: 20}))
	if !equalTypes(types(evs), []job.EventType{job.EventItemCompleted, job.EventJobCompleted}) {
		t.Fatalf("final events = %v", types(evs))
	}
	if j.Status != job.StatusCompleted || j.CompletedAt == nil {
		t.Fatalf("job = %s", j.Status)
	}
	if j.Counts.Done != 2 || j.Counts.Failed != 0 {
		t.Errorf("counts = %+v", j.Counts)
	}
	if j.EventSeq != 6 {
		t.Errorf("event seq = %d, want 6", j.EventSeq)
	}
	if items[70001].ArtifactKey != "downloads/70001.zip" || items[70001].SizeBytes != 20 {
		t.Errorf("item result not recorded: %+v", items[70001])
	}
}

func TestSequenceIsContiguous(t *testing.T) {
	j, items := newJob(t, []int64{10000, 10001, 10002})
	var all []job.Event
	for _, f := range []int64{10000, 10001, 10002} {
		all = append(all, apply(t, j, items[f], job.Start(1))...)
		all = append(all, apply(t, j, items[f], job.Complete(1, job.Result{}))...)
	}
	for i, ev := range all {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d seq = %d", i, ev.Seq)
		}
	}
	if !all[len(all)-1].Type.Terminal() {
		t.Errorf("last event %s is not terminal", all[len(all)-1].Type)
	}
}

func TestRetryThenExhaust(t *testing.T) {
	j, items := newJob(t, []int64{70001}, job.WithMaxAttempts(3))
	it := items[70001]
	f := job.Failure{Code: job.CodeUnavailable, Message: "503"}

	for attempt := 1; attempt < 3; attempt++ {
		apply(t, j, it, job.Start(attempt))
		evs := apply(t, j, it, job.Requeue(attempt, f, time.Second))
		if evs[0].Type != job.EventItemRetrying || evs[0].RetryIn != time.Second {
			t.Fatalf("attempt %d: events = %+v", attempt, evs)
		}
		if it.Status != job.ItemQueued || it.ErrorCode != "" {
			t.Fatalf("attempt %d: item = %+v", attempt, it)
		}
	}

	apply(t, j, it, job.Start(3))
	if _, err := job.Requeue(3, f, time.Second)(j, it, t0); !errors.Is(err, courier.ErrInvalidState) {
		t.Fatalf("requeue past budget: err = %v", err)
	}
	evs := apply(t, j, it, job.Fail(3, job.Failure{Code: job.CodeRetryExhausted, Message: "503"}))
	if !equalTypes(types(evs), []job.EventType{job.EventItemFailed, job.EventJobFailed}) {
		t.Fatalf("events = %v", types(evs))
	}
	if it.Attempt != 3 || it.ErrorCode != job.CodeRetryExhausted {
		t.Errorf("item = %+v", it)
	}
}

func TestPartialFailureAllowed(t *testing.T) {
	j, items := newJob(t, []int64{70000, 70001}, job.WithFailureThreshold(0))
	apply(t, j, items[70000], job.Start(1))
	apply(t, j, items[70001], job.Start(1))
	apply(t, j, items[70000], job.Complete(1, job.Result{}))
	apply(t, j, items[70001], job.Fail(1, job.Failure{Code: job.CodeNotFound}))

	if j.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", j.Status)
	}
	if j.Counts.Done != 1 || j.Counts.Failed != 1 {
		t.Errorf("counts = %+v", j.Counts)
	}
}

func TestFailureThreshold(t *testing.T) {
	j, items := newJob(t, []int64{10000, 10001, 10002}, job.WithFailureThreshold(2))
	for _, f := range []int64{10000, 10001, 10002} {
		apply(t, j, items[f], job.Start(1))
	}
	apply(t, j, items[10000], job.Fail(1, job.Failure{Code: job.CodeNotFound}))
	apply(t, j, items[10001], job.Complete(1, job.Result{}))
	apply(t, j, items[10002], job.Complete(1, job.Result{}))
	if j.Status != job.StatusCompleted {
		t.Errorf("one failure under threshold 2: status = %s", j.Status)
	}
}

func TestStaleAndTerminalRejected(t *testing.T) {
	j, items := newJob(t, []int64{10000})
	it := items[10000]

	if _, err := job.Start(2)(j, it, t0); !errors.Is(err, courier.ErrStaleAttempt) {
		t.Errorf("start with wrong attempt: %v", err)
	}
	apply(t, j, it, job.Start(1))
	if _, err := job.Start(1)(j, it, t0); !errors.Is(err, courier.ErrStaleAttempt) {
		t.Errorf("duplicate start: %v", err)
	}
	apply(t, j, it, job.Complete(1, job.Result{}))

	seq := j.EventSeq
	for name, tr := range map[string]job.ItemTransition{
		"start":    job.Start(2),
		"complete": job.Complete(1, job.Result{}),
		"fail":     job.Fail(1, job.Failure{}),
		"requeue":  job.Requeue(1, job.Failure{}, 0),
	} {
		if _, err := tr(j, it, t0); !errors.Is(err, courier.ErrItemTerminal) {
			t.Errorf("%s on terminal item: err = %v", name, err)
		}
	}
	if j.EventSeq != seq || j.Counts.Done != 1 {
		t.Errorf("rejected transitions changed the job: seq %d->%d counts %+v", seq, j.EventSeq, j.Counts)
	}
}

func TestCancelMidFlight(t *testing.T) {
	j, items := newJob(t, []int64{10000, 10001, 10002})
	apply(t, j, items[10000], job.Start(1))
	apply(t, j, items[10001], job.Start(1))

	list := []*job.Item{items[10000], items[10001], items[10002]}
	evs := job.Cancel(j, list, t0.Add(2*time.Second))
	if !equalTypes(types(evs), []job.EventType{job.EventItemCanceled}) {
		t.Fatalf("cancel events = %v", types(evs))
	}
	if !j.CancelRequested || j.Status != job.StatusProcessing {
		t.Fatalf("job after cancel = %s requested=%v", j.Status, j.CancelRequested)
	}
	if again := job.Cancel(j, list, t0.Add(3*time.Second)); len(again) != 0 {
		t.Errorf("second cancel emitted %v", types(again))
	}

	apply(t, j, items[10000], job.Complete(1, job.Result{}))
	evs = apply(t, j, items[10001], job.Complete(1, job.Result{}))
	if !equalTypes(types(evs), []job.EventType{job.EventItemCompleted, job.EventJobCanceled}) {
		t.Fatalf("final events = %v", types(evs))
	}
	if j.Status != job.StatusCanceled || j.Counts.Done != 2 || j.Counts.Canceled != 1 {
		t.Errorf("job = %s %+v", j.Status, j.Counts)
	}
}

func TestRequeueAfterCancelCancelsItem(t *testing.T) {
	j, items := newJob(t, []int64{10000})
	it := items[10000]
	apply(t, j, it, job.Start(1))
	job.Cancel(j, []*job.Item{it}, t0)

	evs := apply(t, j, it, job.Requeue(1, job.Failure{Code: job.CodeTimeout}, time.Second))
	if !equalTypes(types(evs), []job.EventType{job.EventItemCanceled, job.EventJobCanceled}) {
		t.Fatalf("events = %v", types(evs))
	}
	if it.Status != job.ItemCanceled {
		t.Errorf("item status = %s", it.Status)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	j, items := newJob(t, []int64{10000, 10001})
	evs := job.Cancel(j, []*job.Item{items[10000], items[10001]}, t0)
	if !equalTypes(types(evs), []job.EventType{job.EventItemCanceled, job.EventItemCanceled, job.EventJobCanceled}) {
		t.Fatalf("events = %v", types(evs))
	}
	if j.Status != job.StatusCanceled {
		t.Errorf("status = %s", j.Status)
	}
}

func TestExpire(t *testing.T) {
	j, items := newJob(t, []int64{10000})
	if _, err := job.Expire(j, t0); !errors.Is(err, courier.ErrInvalidState) {
		t.Fatalf("expire active job: err = %v", err)
	}
	apply(t, j, items[10000], job.Start(1))
	apply(t, j, items[10000], job.Complete(1, job.Result{}))

	evs, err := job.Expire(j, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Type != job.EventJobExpired || j.Status != job.StatusExpired {
		t.Fatalf("events = %v status = %s", types(evs), j.Status)
	}
	if evs, _ := job.Expire(j, t0); len(evs) != 0 {
		t.Errorf("second expire emitted %v", types(evs))
	}
	if job.Cancel(j, nil, t0) != nil {
		t.Error("cancel on expired job emitted events")
	}
}
