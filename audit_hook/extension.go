package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*Extension)(nil)
	_ ext.JobCreated       = (*Extension)(nil)
	_ ext.JobStarted       = (*Extension)(nil)
	_ ext.JobFinished      = (*Extension)(nil)
	_ ext.ItemFailed       = (*Extension)(nil)
	_ ext.ItemDeadLettered = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a single audit trail entry.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges Courier lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger

	minSeverity int
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// OnJobCreated implements ext.JobCreated.
func (e *Extension) OnJobCreated(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobCreated, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, "",
		"items", len(j.FileIDs),
		"client_reference", j.ClientReference,
		"max_attempts", j.MaxAttempts,
		"failure_threshold", j.FailureThreshold,
	)
}

// OnJobStarted implements ext.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, ev job.Event) error {
	return e.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess,
		ResourceJob, ev.JobID.String(), CategoryJob, "",
		"total", ev.Counts.Total,
	)
}

// OnJobFinished implements ext.JobFinished.
func (e *Extension) OnJobFinished(ctx context.Context, ev job.Event) error {
	action, severity, outcome := ActionJobCompleted, SeverityInfo, OutcomeSuccess
	switch ev.JobStatus {
	case job.StatusFailed:
		action, severity, outcome = ActionJobFailed, SeverityCritical, OutcomeFailure
	case job.StatusCanceled:
		action, severity = ActionJobCanceled, SeverityWarning
	case job.StatusExpired:
		action = ActionJobExpired
	}
	return e.record(ctx, action, severity, outcome,
		ResourceJob, ev.JobID.String(), CategoryJob, "",
		"done", ev.Counts.Done,
		"failed", ev.Counts.Failed,
		"canceled", ev.Counts.Canceled,
		"total", ev.Counts.Total,
	)
}

// OnItemFailed implements ext.ItemFailed.
func (e *Extension) OnItemFailed(ctx context.Context, ev job.Event) error {
	return e.record(ctx, ActionItemFailed, SeverityWarning, OutcomeFailure,
		ResourceItem, itemResourceID(ev.JobID.String(), ev.FileID), CategoryItem, ev.ErrorMessage,
		"job_id", ev.JobID.String(),
		"file_id", ev.FileID,
		"attempt", ev.Attempt,
		"error_code", ev.ErrorCode,
	)
}

// OnItemDeadLettered implements ext.ItemDeadLettered.
func (e *Extension) OnItemDeadLettered(ctx context.Context, entry *dlq.Entry) error {
	return e.record(ctx, ActionItemDeadLettered, SeverityCritical, OutcomeFailure,
		ResourceItem, itemResourceID(entry.JobID.String(), entry.FileID), CategoryItem, entry.Error,
		"dlq_id", entry.ID.String(),
		"job_id", entry.JobID.String(),
		"file_id", entry.FileID,
		"attempts", entry.Attempts,
		"error_code", entry.ErrorCode,
	)
}

func itemResourceID(jobID string, fileID int64) string {
	return jobID + "/" + strconv.FormatInt(fileID, 10)
}

// record builds and sends an audit event. Recorder failures are logged
// and never fail the lifecycle hook.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	reason string,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}
	if severityRank(severity) < e.minSeverity {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
