// Package ext defines the extension system for Courier.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, streaming progress, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnItemCompleted(ctx context.Context, ev job.Event) error {
//	    log.Printf("file %d of %s ready (%d bytes)", ev.FileID, ev.JobID, ev.SizeBytes)
//	    return nil
//	}
//
// # Job Hooks
//
//   - [JobCreated]: a new job was persisted
//   - [JobStarted]: the first item of a job began processing
//   - [JobFinished]: the job reached completed, failed, canceled or expired
//
// # Item Hooks
//
//   - [ItemStarted], [ItemCompleted], [ItemRetrying], [ItemFailed],
//     [ItemCanceled]: one per item event type
//   - [ItemDeadLettered]: an exhausted item was recorded in the DLQ
//
// # Other Hooks
//
//   - [EventObserver]: every progress event, in per-job order
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never returned to the caller.
package ext
