// Package telemetry defines the logging contract used across the runtime.
// Components accept a Logger through functional options and fall back to the
// no-op implementation so library code never nil-checks before logging.
package telemetry

import "context"

type (
	// Logger emits structured log records. Implementations must be safe for
	// concurrent use: the processor and run supervisors log from multiple
	// goroutines.
	Logger interface {
		// Debug emits a debug-level log message with structured key-value pairs.
		Debug(ctx context.Context, msg string, keyvals ...any)

		// Info emits an info-level log message with structured key-value pairs.
		Info(ctx context.Context, msg string, keyvals ...any)

		// Warn emits a warning-level log message with structured key-value pairs.
		Warn(ctx context.Context, msg string, keyvals ...any)

		// Error emits an error-level log message with structured key-value pairs.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// NoopLogger discards all log records.
	NoopLogger struct{}
)

// NewNoopLogger returns a Logger that drops everything.
func NewNoopLogger() Logger { return NoopLogger{} }

// Debug implements Logger.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info implements Logger.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (NoopLogger) Error(context.Context, string, ...any) {}
