package job

import (
	"time"

	"github.com/xraph/courier/id"
)

// EventType names a progress event.
type EventType string

const (
	EventJobStarted    EventType = "job.started"
	EventItemStarted   EventType = "item.started"
	EventItemCompleted EventType = "item.completed"
	EventItemRetrying  EventType = "item.retrying"
	EventItemFailed    EventType = "item.failed"
	EventItemCanceled  EventType = "item.canceled"
	EventJobCompleted  EventType = "job.completed"
	EventJobFailed     EventType = "job.failed"
	EventJobCanceled   EventType = "job.canceled"
	EventJobExpired    EventType = "job.expired"
)

// Terminal reports whether the event ends the job's stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventJobCompleted, EventJobFailed, EventJobCanceled, EventJobExpired:
		return true
	}
	return false
}

// Event is one entry of a job's ordered progress log. Seq starts at 1 and
// increases by one per event within a job.
type Event struct {
	Seq          int64         `json:"seq"`
	Type         EventType     `json:"type"`
	JobID        id.JobID      `json:"job_id"`
	FileID       int64         `json:"file_id,omitempty"`
	ItemStatus   ItemStatus    `json:"item_status,omitempty"`
	Attempt      int           `json:"attempt,omitempty"`
	ArtifactKey  string        `json:"artifact_key,omitempty"`
	SizeBytes    int64         `json:"size_bytes,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	RetryIn      time.Duration `json:"retry_in,omitempty"`
	JobStatus    Status        `json:"job_status"`
	Counts       Counts        `json:"counts"`
	Time         time.Time     `json:"time"`
}
