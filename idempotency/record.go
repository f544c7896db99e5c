// Package idempotency maps client-supplied keys to previously created
// jobs so that a retried create request returns the original job instead
// of starting a second one.
//
// Records expire after a TTL. Expired records are removed lazily by the
// next lookup that finds them, and in bulk by Cache.Sweep.
package idempotency

import (
	"fmt"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
)

// Record binds a client key to the job it created.
type Record struct {
	Key       string    `json:"key"`
	JobID     id.JobID  `json:"job_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewRecord returns a record for key that expires ttl after now.
func NewRecord(key string, jobID id.JobID, now time.Time, ttl time.Duration) *Record {
	return &Record{Key: key, JobID: jobID, ExpiresAt: now.Add(ttl)}
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ConflictError is returned by stores when a create carries a key that
// already maps to a live job.
type ConflictError struct {
	Key   string
	JobID id.JobID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("courier: idempotency key %q already maps to job %s", e.Key, e.JobID)
}

// Unwrap lets errors.Is match courier.ErrIdempotencyConflict.
func (e *ConflictError) Unwrap() error { return courier.ErrIdempotencyConflict }
