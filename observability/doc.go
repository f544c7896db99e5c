// Package observability provides an OpenTelemetry metrics extension for
// Courier. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for job creation, job outcomes, item outcomes,
// retries and dead letters.
//
// For per-attempt tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
