// Package log provides structured logging for beacon using zerolog.
//
// The package wraps zerolog behind a global logger initialized via Init,
// with component-specific child loggers (WithComponent, WithBatchID,
// WithWorkerID) and helper functions for common patterns. Output is JSON in
// production and console format during development.
package log
