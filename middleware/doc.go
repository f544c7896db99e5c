// Package middleware provides composable middleware for item attempts.
//
// A [Middleware] is a function that wraps the processor call for one
// attempt of one item. Middleware are composed into a chain using [Chain]
// and applied to every attempt. They are applied right-to-left: the first
// middleware in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs job, file, attempt, duration and outcome
//   - [Recover]: catches processor panics and converts them to errors
//   - [Tracing]: wraps the attempt in an OpenTelemetry span
//   - [Metrics]: records attempt duration and outcome counters
//
// Outcomes are reported with the failure kinds of processor.Classify, so
// the labels match how the executor decides between retry and failure.
//
// Per-attempt deadlines are enforced by the processor, not by middleware.
package middleware
