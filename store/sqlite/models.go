package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/courier"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/job"
)

// Times are stored as UTC unix nanoseconds so range filters compare
// integers.
func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func toNullNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := toNanos(*t)
	return &n
}

func fromNullNanos(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromNanos(*n)
	return &t
}

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	grove.BaseModel `grove:"table:courier_jobs"`

	ID               string `grove:"id,pk"`
	Status           string `grove:"status,notnull"`
	FileIDs          string `grove:"file_ids,notnull"`
	Done             int    `grove:"done,notnull"`
	Failed           int    `grove:"failed,notnull"`
	Canceled         int    `grove:"canceled,notnull"`
	Total            int    `grove:"total,notnull"`
	StartedAt        *int64 `grove:"started_at"`
	CompletedAt      *int64 `grove:"completed_at"`
	ClientReference  string `grove:"client_reference,notnull"`
	IdempotencyKey   string `grove:"idempotency_key,notnull"`
	CancelRequested  bool   `grove:"cancel_requested,notnull"`
	MaxAttempts      int    `grove:"max_attempts,notnull"`
	FailureThreshold int    `grove:"failure_threshold,notnull"`
	EventSeq         int64  `grove:"event_seq,notnull"`
	CreatedAt        int64  `grove:"created_at,notnull"`
	UpdatedAt        int64  `grove:"updated_at,notnull"`
}

func toJobModel(j *job.Job) (*jobModel, error) {
	fileIDs, err := json.Marshal(j.FileIDs)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: encode file ids: %w", err)
	}
	return &jobModel{
		ID:               j.ID.String(),
		Status:           string(j.Status),
		FileIDs:          string(fileIDs),
		Done:             j.Counts.Done,
		Failed:           j.Counts.Failed,
		Canceled:         j.Counts.Canceled,
		Total:            j.Counts.Total,
		StartedAt:        toNullNanos(j.StartedAt),
		CompletedAt:      toNullNanos(j.CompletedAt),
		ClientReference:  j.ClientReference,
		IdempotencyKey:   j.IdempotencyKey,
		CancelRequested:  j.CancelRequested,
		MaxAttempts:      j.MaxAttempts,
		FailureThreshold: j.FailureThreshold,
		EventSeq:         j.EventSeq,
		CreatedAt:        toNanos(j.CreatedAt),
		UpdatedAt:        toNanos(j.UpdatedAt),
	}, nil
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	jobID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: parse job id: %w", err)
	}
	var fileIDs []int64
	if err := json.Unmarshal([]byte(m.FileIDs), &fileIDs); err != nil {
		return nil, fmt.Errorf("courier/sqlite: decode file ids: %w", err)
	}
	return &job.Job{
		Entity: courier.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:      jobID,
		Status:  job.Status(m.Status),
		FileIDs: fileIDs,
		Counts: job.Counts{
			Done:     m.Done,
			Failed:   m.Failed,
			Canceled: m.Canceled,
			Total:    m.Total,
		},
		StartedAt:        fromNullNanos(m.StartedAt),
		CompletedAt:      fromNullNanos(m.CompletedAt),
		ClientReference:  m.ClientReference,
		IdempotencyKey:   m.IdempotencyKey,
		CancelRequested:  m.CancelRequested,
		MaxAttempts:      m.MaxAttempts,
		FailureThreshold: m.FailureThreshold,
		EventSeq:         m.EventSeq,
	}, nil
}

// ── Item model ────────────────────────────────────────────────────

type itemModel struct {
	grove.BaseModel `grove:"table:courier_items"`

	JobID        string `grove:"job_id,pk"`
	FileID       int64  `grove:"file_id,pk"`
	Position     int    `grove:"position,notnull"`
	Status       string `grove:"status,notnull"`
	Attempt      int    `grove:"attempt,notnull"`
	ArtifactKey  string `grove:"artifact_key,notnull"`
	SizeBytes    int64  `grove:"size_bytes,notnull"`
	ErrorCode    string `grove:"error_code,notnull"`
	ErrorMessage string `grove:"error_message,notnull"`
	UpdatedAt    int64  `grove:"updated_at,notnull"`
}

func toItemModel(it *job.Item, position int) *itemModel {
	return &itemModel{
		JobID:        it.JobID.String(),
		FileID:       it.FileID,
		Position:     position,
		Status:       string(it.Status),
		Attempt:      it.Attempt,
		ArtifactKey:  it.ArtifactKey,
		SizeBytes:    it.SizeBytes,
		ErrorCode:    it.ErrorCode,
		ErrorMessage: it.ErrorMessage,
		UpdatedAt:    toNanos(it.UpdatedAt),
	}
}

func fromItemModel(m *itemModel) (*job.Item, error) {
	jobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: parse item job id: %w", err)
	}
	return &job.Item{
		JobID:        jobID,
		FileID:       m.FileID,
		Status:       job.ItemStatus(m.Status),
		Attempt:      m.Attempt,
		ArtifactKey:  m.ArtifactKey,
		SizeBytes:    m.SizeBytes,
		ErrorCode:    m.ErrorCode,
		ErrorMessage: m.ErrorMessage,
		UpdatedAt:    fromNanos(m.UpdatedAt),
	}, nil
}

// ── Event model ───────────────────────────────────────────────────

type eventModel struct {
	grove.BaseModel `grove:"table:courier_events"`

	JobID   string `grove:"job_id,pk"`
	Seq     int64  `grove:"seq,pk"`
	Payload string `grove:"payload,notnull"`
}

// ── Idempotency model ─────────────────────────────────────────────

type idempotencyModel struct {
	grove.BaseModel `grove:"table:courier_idempotency"`

	Key       string `grove:"idem_key,pk"`
	JobID     string `grove:"job_id,notnull"`
	ExpiresAt int64  `grove:"expires_at,notnull"`
}

func fromIdempotencyModel(m *idempotencyModel) (*idempotency.Record, error) {
	jobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: parse idempotency job id: %w", err)
	}
	return &idempotency.Record{
		Key:       m.Key,
		JobID:     jobID,
		ExpiresAt: fromNanos(m.ExpiresAt),
	}, nil
}

// ── DLQ model ─────────────────────────────────────────────────────

type dlqModel struct {
	grove.BaseModel `grove:"table:courier_dlq"`

	ID              string `grove:"id,pk"`
	JobID           string `grove:"job_id,notnull"`
	FileID          int64  `grove:"file_id,notnull"`
	ErrorCode       string `grove:"error_code,notnull"`
	Error           string `grove:"error,notnull"`
	Attempts        int    `grove:"attempts,notnull"`
	MaxAttempts     int    `grove:"max_attempts,notnull"`
	ClientReference string `grove:"client_reference,notnull"`
	FailedAt        int64  `grove:"failed_at,notnull"`
	CreatedAt       int64  `grove:"created_at,notnull"`
}

func toDLQModel(e *dlq.Entry) *dlqModel {
	return &dlqModel{
		ID:              e.ID.String(),
		JobID:           e.JobID.String(),
		FileID:          e.FileID,
		ErrorCode:       e.ErrorCode,
		Error:           e.Error,
		Attempts:        e.Attempts,
		MaxAttempts:     e.MaxAttempts,
		ClientReference: e.ClientRef,
		FailedAt:        toNanos(e.FailedAt),
		CreatedAt:       toNanos(e.CreatedAt),
	}
}

func fromDLQModel(m *dlqModel) (*dlq.Entry, error) {
	entryID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: parse dlq id: %w", err)
	}
	jobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: parse dlq job id: %w", err)
	}
	return &dlq.Entry{
		ID:          entryID,
		JobID:       jobID,
		FileID:      m.FileID,
		ErrorCode:   m.ErrorCode,
		Error:       m.Error,
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		ClientRef:   m.ClientReference,
		FailedAt:    fromNanos(m.FailedAt),
		CreatedAt:   fromNanos(m.CreatedAt),
	}, nil
}
