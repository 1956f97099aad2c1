// Package observability provides an OpenTelemetry metrics extension for
// renderq. Register [MetricsExtension] with the engine to count job
// lifecycle events and record how long workers take to deliver results.
//
// For per-generation tracing and metrics on the worker side, see the
// middleware package.
package observability
