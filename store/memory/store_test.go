package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/store"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/store/storetest"
)

func TestConformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, courier.ErrStoreClosed) {
		t.Fatalf("Ping after close = %v, want ErrStoreClosed", err)
	}
}

func TestWritesAfterClose(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()
	j, items := job.New([]int64{10000}, time.Now().UTC())
	if err := s.CreateJob(ctx, j, items, nil); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	late, lateItems := job.New([]int64{10001}, time.Now().UTC())
	if err := s.CreateJob(ctx, late, lateItems, nil); !errors.Is(err, courier.ErrStoreClosed) {
		t.Errorf("CreateJob after close = %v, want ErrStoreClosed", err)
	}
	if _, _, err := s.StartItem(ctx, j.ID, 10000, 1); !errors.Is(err, courier.ErrStoreClosed) {
		t.Errorf("StartItem after close = %v, want ErrStoreClosed", err)
	}
	if _, _, err := s.CancelJob(ctx, j.ID); !errors.Is(err, courier.ErrStoreClosed) {
		t.Errorf("CancelJob after close = %v, want ErrStoreClosed", err)
	}
	if _, err := s.GetJob(ctx, j.ID); err != nil {
		t.Errorf("GetJob after close: %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()
	j, items := job.New([]int64{10000}, time.Now().UTC())
	if err := s.CreateJob(ctx, j, items, nil); err != nil {
		t.Fatal(err)
	}

	snap, _ := s.GetSnapshot(ctx, j.ID)
	snap.Job.Status = job.StatusFailed
	snap.Items[0].Status = job.ItemFailed

	again, _ := s.GetSnapshot(ctx, j.ID)
	if again.Job.Status != job.StatusQueued || again.Items[0].Status != job.ItemQueued {
		t.Error("mutating a snapshot changed the store")
	}
}

func TestClock(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := memory.New(memory.WithClock(func() time.Time { return at }))
	ctx := context.Background()
	j, items := job.New([]int64{10000}, at)
	if err := s.CreateJob(ctx, j, items, nil); err != nil {
		t.Fatal(err)
	}
	it, _, err := s.StartItem(ctx, j.ID, 10000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !it.UpdatedAt.Equal(at) {
		t.Errorf("updated at = %v, want %v", it.UpdatedAt, at)
	}
}
