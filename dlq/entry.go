package dlq

import (
	"time"

	"github.com/xraph/courier/id"
)

// Entry records an item that exhausted its attempt budget.
type Entry struct {
	ID          id.DLQID  `json:"id"`
	JobID       id.JobID  `json:"job_id"`
	FileID      int64     `json:"file_id"`
	ErrorCode   string    `json:"error_code"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	ClientRef   string    `json:"client_reference,omitempty"`
	FailedAt    time.Time `json:"failed_at"`
	CreatedAt   time.Time `json:"created_at"`
}
