package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/idempotency"
)

func getIdempotency(ctx context.Context, sel selector, key string) (*idempotency.Record, error) {
	m := new(idempotencyModel)
	err := sel(m).
		Where("idem_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrKeyNotFound
		}
		return nil, fmt.Errorf("courier/sqlite: get idempotency key: %w", err)
	}
	return fromIdempotencyModel(m)
}

// GetIdempotency returns the record for key.
func (s *Store) GetIdempotency(ctx context.Context, key string) (*idempotency.Record, error) {
	return getIdempotency(ctx, s.sdb.NewSelect, key)
}

// DeleteIdempotency removes the record for key if it is expired at now.
func (s *Store) DeleteIdempotency(ctx context.Context, key string, now time.Time) error {
	_, err := s.sdb.NewDelete((*idempotencyModel)(nil)).
		Where("idem_key = ?", key).
		Where("expires_at <= ?", toNanos(now)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("courier/sqlite: delete idempotency key: %w", err)
	}
	return nil
}

// SweepIdempotency removes all records expired at now.
func (s *Store) SweepIdempotency(ctx context.Context, now time.Time) (int, error) {
	res, err := s.sdb.NewDelete((*idempotencyModel)(nil)).
		Where("expires_at <= ?", toNanos(now)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("courier/sqlite: sweep idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return int(n), nil
}
