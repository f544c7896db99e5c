package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/idempotency"
)

func getIdempotency(ctx context.Context, q querier, key string, forUpdate bool) (*idempotency.Record, error) {
	query := `SELECT idem_key, job_id, expires_at FROM courier_idempotency WHERE idem_key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		rec   idempotency.Record
		jobID string
	)
	err := q.QueryRow(ctx, query, key).Scan(&rec.Key, &jobID, &rec.ExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrKeyNotFound
		}
		return nil, fmt.Errorf("courier/postgres: get idempotency key: %w", err)
	}
	if rec.JobID, err = id.ParseJobID(jobID); err != nil {
		return nil, fmt.Errorf("courier/postgres: parse idempotency job id: %w", err)
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return &rec, nil
}

// GetIdempotency returns the record for key.
func (s *Store) GetIdempotency(ctx context.Context, key string) (*idempotency.Record, error) {
	return getIdempotency(ctx, s.pool, key, false)
}

// DeleteIdempotency removes the record for key if it is expired at now.
func (s *Store) DeleteIdempotency(ctx context.Context, key string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM courier_idempotency WHERE idem_key = $1 AND expires_at <= $2`, key, now)
	if err != nil {
		return fmt.Errorf("courier/postgres: delete idempotency key: %w", err)
	}
	return nil
}

// SweepIdempotency removes all records expired at now.
func (s *Store) SweepIdempotency(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM courier_idempotency WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("courier/postgres: sweep idempotency keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
