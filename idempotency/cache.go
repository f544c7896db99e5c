package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier"
)

// Cache resolves client keys through a Store, applying expiry on read.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates a Cache whose records live for ttl.
func NewCache(store Store, ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		store:  store,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the record lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// NewRecord builds a record for key stamped with the cache clock.
func (c *Cache) NewRecord(key string, jobID courier.ID) *Record {
	return NewRecord(key, jobID, c.now(), c.ttl)
}

// Lookup returns the live record for key, or nil when there is none.
// An expired record is deleted and treated as absent.
func (c *Cache) Lookup(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := c.store.GetIdempotency(ctx, key)
	if errors.Is(err, courier.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	now := c.now()
	if !rec.Expired(now) {
		return rec, nil
	}
	if err := c.store.DeleteIdempotency(ctx, key, now); err != nil {
		c.logger.Warn("failed to delete expired idempotency key",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil, nil
}

// Sweep removes all expired records.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	n, err := c.store.SweepIdempotency(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency keys: %w", err)
	}
	return n, nil
}
