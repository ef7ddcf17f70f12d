package task

import (
	"encoding/json"
	"time"
)

type (
	// Project is the top-level unit of orchestration. A project owns plan
	// versions, tasks, events, and usage records.
	Project struct {
		ID          string
		Name        string
		Description string
		Status      ProjectStatus
		// WorkspaceDir is the sandbox root handed to file tools for this
		// project. Empty means file tools are not available.
		WorkspaceDir string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// Plan is one versioned decomposition proposal for a project. Submitting
	// a new plan supersedes prior drafts; approving one freezes it and
	// produces the task DAG.
	Plan struct {
		ID        string
		ProjectID string
		Version   int
		Status    PlanStatus
		// Raw is the plan JSON document as submitted.
		Raw       json.RawMessage
		CreatedAt time.Time
	}

	// Checkpoint records a point where execution parked a task for human
	// review, along with the attempt history and the question asked.
	Checkpoint struct {
		ID        string
		ProjectID string
		TaskID    string
		// Kind names the trigger, e.g. "retry_exhausted" or
		// "verification_human_needed".
		Kind string
		// Summary is a short description of what happened.
		Summary string
		// Attempts is the serialized attempt history shown to the reviewer.
		Attempts []AttemptNote
		// Question is what the reviewer is asked to decide.
		Question string
		// Response records the reviewer's decision once resolved.
		Response   string
		ResolvedAt *time.Time
		CreatedAt  time.Time
	}

	// AttemptNote is one line of checkpoint attempt history.
	AttemptNote struct {
		Attempt int    `json:"attempt"`
		Message string `json:"message"`
		At      string `json:"at"`
	}

	// UsageRecord is one line of the spend ledger: a single model call's
	// token counts and cost.
	UsageRecord struct {
		ID               int64
		ProjectID        string
		TaskID           string
		Provider         string
		Model            string
		PromptTokens     int
		CompletionTokens int
		CostUSD          float64
		// Purpose labels the call: execution, decomposition, verification.
		Purpose   string
		CreatedAt time.Time
	}
)

// Checkpoint resolution actions accepted by ResolveCheckpoint.
const (
	ResolveRetry = "retry"
	ResolveSkip  = "skip"
	ResolveFail  = "fail"
)
