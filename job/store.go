package job

import (
	"context"
	"time"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/idempotency"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Statuses filters by job status. Empty means all statuses.
	Statuses []Status
	// FinishedBefore keeps only jobs whose CompletedAt is before this
	// time. Zero means no filter.
	FinishedBefore time.Time
}

// Store defines the persistence contract for jobs, items and their event
// log. Item and job mutations go through the transition functions of
// this package and return the events they appended.
type Store interface {
	// CreateJob persists a queued job and its items atomically. When idem
	// is non-nil the idempotency record is written in the same
	// transaction; if a live record already exists for the key nothing is
	// written and an *idempotency.ConflictError naming the existing job
	// is returned.
	CreateJob(ctx context.Context, j *Job, items []*Item, idem *idempotency.Record) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// GetSnapshot retrieves a job and its items in submission order.
	GetSnapshot(ctx context.Context, jobID id.JobID) (*Snapshot, error)

	// GetItem retrieves one item of a job.
	GetItem(ctx context.Context, jobID id.JobID, fileID int64) (*Item, error)

	// ListJobs returns jobs ordered by creation time.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// StartItem applies Start.
	StartItem(ctx context.Context, jobID id.JobID, fileID int64, attempt int) (*Item, []Event, error)

	// CompleteItem applies Complete.
	CompleteItem(ctx context.Context, jobID id.JobID, fileID int64, attempt int, res Result) (*Item, []Event, error)

	// RetryItem applies Requeue.
	RetryItem(ctx context.Context, jobID id.JobID, fileID int64, attempt int, f Failure, delay time.Duration) (*Item, []Event, error)

	// FailItem applies Fail.
	FailItem(ctx context.Context, jobID id.JobID, fileID int64, attempt int, f Failure) (*Item, []Event, error)

	// CancelJob applies Cancel.
	CancelJob(ctx context.Context, jobID id.JobID) (*Job, []Event, error)

	// ExpireJob applies Expire.
	ExpireJob(ctx context.Context, jobID id.JobID) (*Job, []Event, error)

	// ListEvents returns the job's events with Seq greater than afterSeq,
	// in order.
	ListEvents(ctx context.Context, jobID id.JobID, afterSeq int64) ([]Event, error)
}
