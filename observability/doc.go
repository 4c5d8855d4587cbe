// Package observability provides logging helpers, OpenTelemetry metrics and tracing for
// the event bus, and an OpenTelemetry-backed header propagator for transports.
//
// All features are opt-in and have no-op implementations when disabled.
package observability
