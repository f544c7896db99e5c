package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/job"
)

// Compile-time interface checks.
var (
	_ job.Store         = (*Store)(nil)
	_ idempotency.Store = (*Store)(nil)
	_ dlq.Store         = (*Store)(nil)
)

// defaultMaxRetries bounds optimistic transaction retries per write.
const defaultMaxRetries = 500

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix sets the key prefix. Default "courier".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock overrides the time source used for transitions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxRetries sets how often a write is retried after losing an
// optimistic lock.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client     goredis.UniversalClient
	prefix     string
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		prefix:     "courier",
		maxRetries: defaultMaxRetries,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// watch runs fn under WATCH on keys, retrying when the transaction was
// aborted by a concurrent write.
func (s *Store) watch(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("courier/redis: transaction on %v lost %d optimistic retries", keys, s.maxRetries)
}

// isNil reports a missing key or field.
func isNil(err error) bool { return errors.Is(err, goredis.Nil) }

// score orders index members by time at microsecond precision, which a
// float64 represents exactly for current dates.
func score(t time.Time) float64 { return float64(t.UnixMicro()) }
