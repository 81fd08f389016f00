// Package observability provides an OpenTelemetry metrics extension for
// haul. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for broadcasts, assignments, rejected accepts,
// timers, presence toggles and dropped events.
//
// For per-execution timer tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
