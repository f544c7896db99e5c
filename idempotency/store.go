package idempotency

import (
	"context"
	"time"
)

// Store defines the persistence contract for idempotency records.
// Records are written by job.Store.CreateJob in the same transaction as
// the job; this interface covers reads and cleanup.
type Store interface {
	// GetIdempotency returns the record for key, expired or not.
	// It returns courier.ErrKeyNotFound when no record exists.
	GetIdempotency(ctx context.Context, key string) (*Record, error)

	// DeleteIdempotency removes the record for key if it is still expired
	// at now. A record replaced by a newer one is left alone.
	DeleteIdempotency(ctx context.Context, key string, now time.Time) error

	// SweepIdempotency removes every record expired at now and returns
	// how many were removed.
	SweepIdempotency(ctx context.Context, now time.Time) (int, error)
}
