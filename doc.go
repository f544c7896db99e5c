// Package courier is an asynchronous bulk download engine. Clients submit
// a batch of numeric file IDs, receive a job ID immediately, and follow
// the job through polling snapshots or a per-job ordered event stream
// while a bounded worker pool produces one artifact per item.
//
// # Quick Start
//
//	c, err := courier.New(
//	    courier.WithStore(memory.New()),
//	    courier.WithConcurrency(20),
//	)
//	eng, err := engine.Build(c, engine.WithArtifactStore(artifacts))
//	res, err := eng.CreateJob(ctx, engine.CreateRequest{FileIDs: ids})
//
// # Architecture
//
// Each subsystem (job, idempotency, dlq) defines its own store interface
// and a single backend implements all of them. The store is the single
// source of truth: every item write recomputes the job roll-up in the
// same transaction and appends the resulting events, which the stream
// broker then fans out to subscribers.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package courier
