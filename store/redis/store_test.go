//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/store"
	redisstore "github.com/xraph/courier/store/redis"
	"github.com/xraph/courier/store/storetest"
)

func setupClient(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := goredis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConformance(t *testing.T) {
	ctx := context.Background()
	client := setupClient(t)

	// Each subtest gets its own key space.
	storetest.Run(t, func(t *testing.T) store.Store {
		s := redisstore.New(client, redisstore.WithPrefix("test:"+t.Name()))
		if err := s.Ping(ctx); err != nil {
			t.Fatalf("Ping: %v", err)
		}
		return s
	})
}

func TestCreateJob_DistinctKeysDoNotConflict(t *testing.T) {
	ctx := context.Background()
	s := redisstore.New(setupClient(t), redisstore.WithMaxRetries(1))

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			j, items := job.New([]int64{10_000 + int64(i)}, now)
			rec := idempotency.NewRecord(fmt.Sprintf("batch-%d", i), j.ID, now, time.Hour)
			errs <- s.CreateJob(ctx, j, items, rec)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("CreateJob: %v", err)
		}
	}

	got, err := s.GetIdempotency(ctx, "batch-3")
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if got.JobID.IsNil() {
		t.Error("record lost its job id")
	}
}
