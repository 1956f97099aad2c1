// Package middleware provides composable middleware around a worker's
// image generator.
//
// A [Middleware] wraps the generation of one claimed job. Middleware are
// composed with [Chain]; the first middleware in the slice is the
// outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs the job parameters, duration and outcome
//   - [Recover] converts generator panics into errors
//   - [Timeout] bounds the generation with a deadline
//   - [Tracing] wraps the run in an OpenTelemetry span
//   - [Metrics] records duration and outcome per image size
package middleware
