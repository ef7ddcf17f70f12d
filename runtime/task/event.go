package task

import "time"

type (
	// EventType names a progress event kind. Values appear verbatim on the
	// wire and in persisted rows.
	EventType string

	// Event is one progress notification for a project, optionally scoped to
	// a task. Events are persisted before fan-out so history survives
	// subscriber churn.
	Event struct {
		ID        int64
		ProjectID string
		TaskID    string
		Type      EventType
		// Message is the human-readable one-liner.
		Message string
		// Data carries event-specific structured fields.
		Data      map[string]any
		Timestamp time.Time
	}
)

const (
	EventTaskStart             EventType = "task_start"
	EventTaskComplete          EventType = "task_complete"
	EventTaskFailed            EventType = "task_failed"
	EventTaskRetry             EventType = "task_retry"
	EventTaskNeedsReview       EventType = "task_needs_review"
	EventTaskVerificationRetry EventType = "task_verification_retry"
	EventTaskCancelled         EventType = "task_cancelled"
	EventToolCall              EventType = "tool_call"
	EventBudgetWarning         EventType = "budget_warning"
	EventBudgetExhausted       EventType = "budget_exhausted"
	EventCheckpoint            EventType = "checkpoint"
	EventCheckpointResolved    EventType = "checkpoint_resolved"
	EventPlanApproved          EventType = "plan_approved"
	EventProjectStarted        EventType = "project_started"
	EventProjectPaused         EventType = "project_paused"
	EventProjectCompleted      EventType = "project_complete"
	EventProjectFailed         EventType = "project_failed"
	EventProjectCancelled      EventType = "project_cancelled"
	EventResourceUnavailable   EventType = "resource_unavailable"
)
