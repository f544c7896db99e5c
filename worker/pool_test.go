package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
	"github.com/xraph/courier/processor"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/transport"
	memtransport "github.com/xraph/courier/transport/memory"
	"github.com/xraph/courier/worker"
)

func startPool(t *testing.T, s job.Store, tr transport.Transport, proc processor.Processor, opts ...worker.PoolOption) *worker.Pool {
	t.Helper()
	logger := slog.Default()
	dlqStore := memory.New()
	exec := worker.NewExecutor(s, tr, proc, dlq.NewService(dlqStore), ext.NewRegistry(logger),
		backoff.NewConstant(time.Millisecond), logger,
		middleware.Recover(logger),
	)
	pool := worker.NewPool(tr, exec, logger, opts...)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool
}

func submit(t *testing.T, s job.Store, tr transport.Transport, fileIDs []int64, opts ...job.Option) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, items := job.New(fileIDs, time.Now().UTC(), opts...)
	if err := s.CreateJob(ctx, j, items, nil); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for _, f := range fileIDs {
		if err := tr.Enqueue(ctx, transport.Task{JobID: j.ID, FileID: f, Attempt: 1}, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	return j
}

func waitTerminal(t *testing.T, s job.Store, jobID id.JobID) *job.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := s.GetSnapshot(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetSnapshot: %v", err)
		}
		if snap.Job.Status.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal status")
	return nil
}

func TestPool_StartStop(t *testing.T) {
	tr := memtransport.New()
	defer tr.Close()
	logger := slog.Default()
	s := memory.New()
	exec := worker.NewExecutor(s, tr, processor.Func(ok), nil, ext.NewRegistry(logger),
		backoff.NewConstant(time.Millisecond), logger)
	pool := worker.NewPool(tr, exec, logger, worker.WithPoolConcurrency(2))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	// Double stop should be no-op.
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_PartialFailureScenario(t *testing.T) {
	s := memory.New()
	tr := memtransport.New()
	defer tr.Close()

	var calls sync.Map
	proc := processor.Func(func(ctx context.Context, fileID int64) (job.Result, error) {
		n, _ := calls.LoadOrStore(fileID, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		if fileID == 70001 {
			return job.Result{}, processor.Transient(job.CodeUnavailable, errors.New("upstream returned 503"))
		}
		return ok(ctx, fileID)
	})
	startPool(t, s, tr, proc, worker.WithPoolConcurrency(3))

	j := submit(t, s, tr, []int64{70000, 70001, 70002}, job.WithFailureThreshold(0))
	snap := waitTerminal(t, s, j.ID)

	if snap.Job.Status != job.StatusCompleted {
		t.Fatalf("job status = %s, want completed", snap.Job.Status)
	}
	if snap.Job.Counts != (job.Counts{Done: 2, Failed: 1, Total: 3}) {
		t.Errorf("counts = %+v", snap.Job.Counts)
	}
	for _, it := range snap.Items {
		switch it.FileID {
		case 70001:
			if it.Status != job.ItemFailed || it.ErrorCode != job.CodeRetryExhausted || it.Attempt != 5 {
				t.Errorf("70001 = %s/%s at %d", it.Status, it.ErrorCode, it.Attempt)
			}
		default:
			if it.Status != job.ItemCompleted {
				t.Errorf("%d = %s, want completed", it.FileID, it.Status)
			}
		}
	}
	n, _ := calls.Load(int64(70001))
	if got := n.(*atomic.Int32).Load(); got != 5 {
		t.Errorf("70001 attempts = %d, want 5", got)
	}
}

func TestPool_PerJobCeiling(t *testing.T) {
	s := memory.New()
	tr := memtransport.New()
	defer tr.Close()

	var inFlight, peak atomic.Int32
	proc := processor.Func(func(ctx context.Context, fileID int64) (job.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return ok(ctx, fileID)
	})
	mgr := queue.NewManager(queue.Config{MaxPerJob: 1})
	startPool(t, s, tr, proc,
		worker.WithPoolConcurrency(4),
		worker.WithAdmission(mgr, time.Millisecond),
	)

	j := submit(t, s, tr, []int64{10_001, 10_002, 10_003, 10_004})
	snap := waitTerminal(t, s, j.ID)

	if snap.Job.Status != job.StatusCompleted || snap.Job.Counts.Done != 4 {
		t.Fatalf("job = %s %+v", snap.Job.Status, snap.Job.Counts)
	}
	if p := peak.Load(); p != 1 {
		t.Errorf("peak in-flight = %d, want 1", p)
	}
	if mgr.ActiveCount(j.ID) != 0 {
		t.Errorf("active count = %d after completion", mgr.ActiveCount(j.ID))
	}
}

// brokenStore fails every StartItem as an unavailable backend would.
type brokenStore struct {
	*memory.Store
}

var errBackendDown = errors.New("backend down")

func (brokenStore) StartItem(context.Context, id.JobID, int64, int) (*job.Item, []job.Event, error) {
	return nil, nil, errBackendDown
}

func TestPool_StoreFailureIsFatal(t *testing.T) {
	s := brokenStore{memory.New()}
	tr := memtransport.New()
	defer tr.Close()

	fatal := make(chan error, 1)
	startPool(t, s, tr, processor.Func(ok),
		worker.WithPoolConcurrency(1),
		worker.WithFatalHandler(func(err error) {
			select {
			case fatal <- err:
			default:
			}
		}),
	)

	submit(t, s, tr, []int64{10_001})

	select {
	case err := <-fatal:
		if !errors.Is(err, errBackendDown) {
			t.Errorf("fatal error = %v, want wrapping %v", err, errBackendDown)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fatal handler not called")
	}
}
