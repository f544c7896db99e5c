// Package audithook is a Courier extension that bridges job lifecycle
// events to an audit trail backend.
//
// Job creation, job terminal outcomes, terminal item failures and dead
// letters each emit a structured audit event through the [Recorder]
// interface. Severity is info for normal operations, warning for
// canceled and expired jobs and item failures, and critical for failed
// jobs and dead letters.
//
// # Logging recorder
//
// [NewSlogRecorder] writes events as structured log records, which is
// enough when the audit trail is shipped with the service logs:
//
//	audithook.New(audithook.NewSlogRecorder(logger))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobFailed,
//	        audithook.ActionItemDeadLettered,
//	    ),
//	)
package audithook
