// Package stream is the progress publisher: it delivers each job's
// ordered event log to live subscribers.
//
// The store is the source of truth. The [Broker] keeps one actor
// goroutine per job that has subscribers; the actor replays stored events
// on join, forwards live events published by the executor, drops
// duplicates by sequence number and refills any gap (a missed publish or
// a subscriber whose buffer was full) by reading the store again. A
// subscription therefore sees every event from its starting sequence, in
// order, exactly once, and its channel closes after the terminal job
// event.
//
//	sub, err := broker.Subscribe(ctx, jobID, lastSeenSeq+1)
//	for e := range sub.C() {
//	    // e.Seq increases by one each time
//	}
//
// The broker is registered as an extension so it receives events through
// the same registry as metrics and audit extensions.
package stream
