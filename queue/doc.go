// Package queue enforces admission limits on item attempts: an optional
// per-job concurrency ceiling and a pool-wide token-bucket rate.
//
// The worker pool consults the [Manager] after dequeuing a task and before
// starting the attempt. A refused task is handed back to the transport
// with a short delay, so one large job cannot monopolise the pool while
// other jobs wait.
//
//	m := queue.NewManager(queue.Config{MaxPerJob: 4, RateLimit: 50})
//	if m.Acquire(jobID) {
//	    defer m.Release(jobID)
//	    // run the attempt
//	}
//
// Limits are local to one process. The token bucket is
// golang.org/x/time/rate.
package queue
