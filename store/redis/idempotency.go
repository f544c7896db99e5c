package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier"
	"github.com/xraph/courier/idempotency"
)

// Each record is its own String key, indexed by a Sorted Set scored by
// expiry. Native key TTLs are not used: expired records stay readable
// until a lookup or a sweep removes them, matching the other backends.

func getIdempotency(ctx context.Context, c goredis.Cmdable, recordKey string) (*idempotency.Record, error) {
	data, err := c.Get(ctx, recordKey).Bytes()
	if isNil(err) {
		return nil, courier.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("courier/redis: get idempotency key: %w", err)
	}
	var rec idempotency.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("courier/redis: decode idempotency record: %w", err)
	}
	return &rec, nil
}

// GetIdempotency returns the record for key.
func (s *Store) GetIdempotency(ctx context.Context, key string) (*idempotency.Record, error) {
	return getIdempotency(ctx, s.client, s.idemKey(key))
}

// DeleteIdempotency removes the record for key if it is expired at now.
func (s *Store) DeleteIdempotency(ctx context.Context, key string, now time.Time) error {
	_, err := s.deleteExpired(ctx, key, now)
	return err
}

// deleteExpired removes key under WATCH so a record rewritten by a
// concurrent create survives. It reports whether a record was removed.
func (s *Store) deleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	var deleted bool
	txf := func(tx *goredis.Tx) error {
		deleted = false
		rec, err := getIdempotency(ctx, tx, s.idemKey(key))
		if errors.Is(err, courier.ErrKeyNotFound) {
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.ZRem(ctx, s.idemExpiryKey(), key)
				return nil
			})
			return err
		}
		if err != nil {
			return err
		}
		if !rec.Expired(now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, s.idemKey(key))
			pipe.ZRem(ctx, s.idemExpiryKey(), key)
			return nil
		})
		deleted = err == nil
		return err
	}
	if err := s.watch(ctx, txf, s.idemKey(key)); err != nil {
		return false, fmt.Errorf("courier/redis: delete idempotency key: %w", err)
	}
	return deleted, nil
}

// SweepIdempotency removes all records expired at now.
func (s *Store) SweepIdempotency(ctx context.Context, now time.Time) (int, error) {
	keys, err := s.client.ZRangeByScore(ctx, s.idemExpiryKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(now), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: sweep idempotency keys: %w", err)
	}

	n := 0
	for _, key := range keys {
		deleted, err := s.deleteExpired(ctx, key, now)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}
