package job

import (
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusQueued means no item has started yet.
	StatusQueued Status = "queued"
	// StatusProcessing means at least one item has started.
	StatusProcessing Status = "processing"
	// StatusCompleted means every item is terminal and the failure
	// threshold was not reached.
	StatusCompleted Status = "completed"
	// StatusFailed means every item is terminal and at least
	// FailureThreshold items failed.
	StatusFailed Status = "failed"
	// StatusCanceled means cancellation was requested and every item
	// has settled.
	StatusCanceled Status = "canceled"
	// StatusExpired means a finished job outlived its retention window.
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition other than expiry can
// happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// ItemStatus is the lifecycle state of a single item.
type ItemStatus string

const (
	ItemQueued     ItemStatus = "queued"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemCanceled   ItemStatus = "canceled"
)

// Terminal reports whether the item can no longer change.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemCanceled
}

// Valid file ID range, inclusive.
const (
	MinFileID int64 = 10_000
	MaxFileID int64 = 100_000_000
)

// Error codes recorded on failed items.
const (
	CodeRetryExhausted = "RetryExhausted"
	CodeInvalidFile    = "InvalidFileId"
	CodeNotFound       = "NotFound"
	CodeUnavailable    = "UpstreamUnavailable"
	CodeTimeout        = "Timeout"
	CodeInternal       = "Internal"
)

// Counts summarizes item outcomes. Total is fixed at creation and
// Done+Failed+Canceled never exceeds it.
type Counts struct {
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
	Total    int `json:"total"`
}

// Settled returns the number of items in a terminal state.
func (c Counts) Settled() int { return c.Done + c.Failed + c.Canceled }

// Job is a bulk download request and the roll-up of its items.
type Job struct {
	courier.Entity

	ID               id.JobID   `json:"id"`
	Status           Status     `json:"status"`
	FileIDs          []int64    `json:"file_ids"`
	Counts           Counts     `json:"counts"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ClientReference  string     `json:"client_reference,omitempty"`
	IdempotencyKey   string     `json:"idempotency_key,omitempty"`
	CancelRequested  bool       `json:"cancel_requested"`
	MaxAttempts      int        `json:"max_attempts"`
	FailureThreshold int        `json:"failure_threshold"`

	// EventSeq is the sequence number of the last event appended for
	// this job.
	EventSeq int64 `json:"event_seq"`
}

// Item is one file of a job.
type Item struct {
	JobID        id.JobID   `json:"job_id"`
	FileID       int64      `json:"file_id"`
	Status       ItemStatus `json:"status"`
	Attempt      int        `json:"attempt"`
	ArtifactKey  string     `json:"artifact_key,omitempty"`
	SizeBytes    int64      `json:"size_bytes,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Snapshot is a point-in-time view of a job and its items in submission
// order.
type Snapshot struct {
	Job   *Job    `json:"job"`
	Items []*Item `json:"items"`
}

// Result is the outcome of a successful processing attempt.
type Result struct {
	ArtifactKey string `json:"artifact_key"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Failure describes why an attempt did not succeed.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	cp := *j
	cp.FileIDs = append([]int64(nil), j.FileIDs...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Clone returns a copy of it.
func (it *Item) Clone() *Item {
	cp := *it
	return &cp
}
