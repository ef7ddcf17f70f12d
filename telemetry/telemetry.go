// Package telemetry defines the logging and metrics seams used across the
// execution core. Production wiring delegates to goa.design/clue/log and OTel
// metrics; tests inject the no-op implementations.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log messages. Key-value pairs alternate
	// (k1, v1, k2, v2, ...); non-string keys are dropped.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. Tags alternate (k1, v1, ...).
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}
)

// Metric names emitted by the execution core.
const (
	MetricTasksDispatched = "waveline.tasks.dispatched"
	MetricTasksCompleted  = "waveline.tasks.completed"
	MetricTasksFailed     = "waveline.tasks.failed"
	MetricTasksRetried    = "waveline.tasks.retried"
	MetricCostRecorded    = "waveline.budget.cost_usd"
	MetricEventsDropped   = "waveline.events.dropped"
	MetricTaskDuration    = "waveline.tasks.duration"
	MetricModelCalls      = "waveline.model.calls"
)
