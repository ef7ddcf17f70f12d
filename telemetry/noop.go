package telemetry

import (
	"context"
	"time"
)

type (
	// NoopLogger discards all log messages.
	NoopLogger struct{}

	// NoopMetrics discards all metrics.
	NoopMetrics struct{}
)

// NewNoopLogger constructs a Logger that discards everything.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics constructs a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// Debug discards the message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the message.
func (NoopLogger) Error(context.Context, string, ...any) {}

// IncCounter discards the counter.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the timer.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
