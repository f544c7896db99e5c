// Package job defines the job and item entities, their state machine,
// the per-job event log and the store interface.
//
// # State machine
//
// Items move through:
//
//	queued → processing → completed
//	queued → processing → queued (retry, while attempts remain)
//	queued → processing → failed
//	queued → canceled
//
// Nothing leaves a terminal item state. The job status is derived from
// its items every time one of them changes:
//
//	queued → processing            first item starts
//	processing → completed         all items terminal, threshold not reached
//	processing → failed            all items terminal, Failed >= FailureThreshold
//	queued|processing → canceled   cancel requested and all items terminal
//	completed|failed|canceled → expired
//
// The transitions are pure functions ([Start], [Complete], [Requeue],
// [Fail], [Cancel], [Expire]) shared by every store backend. Each one
// appends events with consecutive sequence numbers taken from
// [Job.EventSeq], so the event log and the state are always written
// together.
package job
