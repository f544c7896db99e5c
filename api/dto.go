package api

import (
	"time"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/stream"
)

// CreateJobRequest is the body of POST /v1/download/jobs.
type CreateJobRequest struct {
	FileIDs         []int64 `json:"file_ids"`
	ClientReference string  `json:"client_reference,omitempty"`
	MaxConcurrency  int     `json:"max_concurrency,omitempty"`
}

// CreateJobResponse acknowledges a created or deduplicated job.
type CreateJobResponse struct {
	JobID     string     `json:"jobId"`
	Status    job.Status `json:"status"`
	Total     int        `json:"total"`
	CreatedAt time.Time  `json:"createdAt"`
}

// CountsResponse summarizes item outcomes.
type CountsResponse struct {
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
	Total    int `json:"total"`
}

func toCounts(c job.Counts) CountsResponse {
	return CountsResponse{Done: c.Done, Failed: c.Failed, Canceled: c.Canceled, Total: c.Total}
}

// ItemResponse is one item of a job snapshot.
type ItemResponse struct {
	FileID       int64          `json:"fileId"`
	Status       job.ItemStatus `json:"status"`
	Attempt      int            `json:"attempt"`
	SizeBytes    int64          `json:"sizeBytes,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func toItem(it *job.Item) ItemResponse {
	return ItemResponse{
		FileID:       it.FileID,
		Status:       it.Status,
		Attempt:      it.Attempt,
		SizeBytes:    it.SizeBytes,
		ErrorCode:    it.ErrorCode,
		ErrorMessage: it.ErrorMessage,
		UpdatedAt:    it.UpdatedAt,
	}
}

// JobResponse is the polling snapshot of a job.
type JobResponse struct {
	JobID           string         `json:"jobId"`
	Status          job.Status     `json:"status"`
	Counts          CountsResponse `json:"counts"`
	ClientReference string         `json:"clientReference,omitempty"`
	CancelRequested bool           `json:"cancelRequested"`
	CreatedAt       time.Time      `json:"createdAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	LastEventSeq    int64          `json:"lastEventSeq"`
	Items           []ItemResponse `json:"items"`
}

func toJob(snap *job.Snapshot) JobResponse {
	j := snap.Job
	resp := JobResponse{
		JobID:           j.ID.String(),
		Status:          j.Status,
		Counts:          toCounts(j.Counts),
		ClientReference: j.ClientReference,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		LastEventSeq:    j.EventSeq,
		Items:           make([]ItemResponse, len(snap.Items)),
	}
	for i, it := range snap.Items {
		resp.Items[i] = toItem(it)
	}
	return resp
}

// CancelResponse acknowledges a cancel request.
type CancelResponse struct {
	JobID  string     `json:"jobId"`
	Status job.Status `json:"status"`
}

// EventResponse is the data line of one SSE message.
type EventResponse struct {
	Seq          int64          `json:"seq"`
	Type         job.EventType  `json:"type"`
	JobID        string         `json:"jobId"`
	JobStatus    job.Status     `json:"jobStatus"`
	Counts       CountsResponse `json:"counts"`
	FileID       int64          `json:"fileId,omitempty"`
	ItemStatus   job.ItemStatus `json:"itemStatus,omitempty"`
	Attempt      int            `json:"attempt,omitempty"`
	SizeBytes    int64          `json:"sizeBytes,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	RetryInMs    int64          `json:"retryInMs,omitempty"`
	Time         time.Time      `json:"time"`
}

func toEvent(e job.Event) EventResponse {
	return EventResponse{
		Seq:          e.Seq,
		Type:         e.Type,
		JobID:        e.JobID.String(),
		JobStatus:    e.JobStatus,
		Counts:       toCounts(e.Counts),
		FileID:       e.FileID,
		ItemStatus:   e.ItemStatus,
		Attempt:      e.Attempt,
		SizeBytes:    e.SizeBytes,
		ErrorCode:    e.ErrorCode,
		ErrorMessage: e.ErrorMessage,
		RetryInMs:    e.RetryIn.Milliseconds(),
		Time:         e.Time,
	}
}

// DLQEntryResponse is one dead letter entry.
type DLQEntryResponse struct {
	ID              string    `json:"id"`
	JobID           string    `json:"jobId"`
	FileID          int64     `json:"fileId"`
	ErrorCode       string    `json:"errorCode"`
	Error           string    `json:"error"`
	Attempts        int       `json:"attempts"`
	MaxAttempts     int       `json:"maxAttempts"`
	ClientReference string    `json:"clientReference,omitempty"`
	FailedAt        time.Time `json:"failedAt"`
}

func toDLQEntry(e *dlq.Entry) DLQEntryResponse {
	return DLQEntryResponse{
		ID:              e.ID.String(),
		JobID:           e.JobID.String(),
		FileID:          e.FileID,
		ErrorCode:       e.ErrorCode,
		Error:           e.Error,
		Attempts:        e.Attempts,
		MaxAttempts:     e.MaxAttempts,
		ClientReference: e.ClientRef,
		FailedAt:        e.FailedAt,
	}
}

// DLQCountResponse is the body of GET /v1/download/dlq/count.
type DLQCountResponse struct {
	Count int64 `json:"count"`
}

// StatsResponse is the body of GET /v1/download/stats.
type StatsResponse struct {
	Stream   stream.BrokerStats `json:"stream"`
	DLQCount int64              `json:"dlqCount"`
}
