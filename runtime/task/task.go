// Package task defines the domain records shared by the execution core: the
// project/plan/task entities, their status enumerations, context entries, usage
// records, events, and checkpoints. The store persists these records, the
// orchestrator moves them through their lifecycles, and the event bus publishes
// snapshots of them.
package task

import (
	"fmt"
	"strings"
	"time"
)

type (
	// Task is a unit of work produced by plan decomposition and executed by a
	// single agent call. Dependencies are stored as edges to other task IDs;
	// a task becomes eligible for dispatch only when every dependency is
	// COMPLETED.
	Task struct {
		// ID is the short unique task identifier.
		ID string
		// ProjectID identifies the owning project.
		ProjectID string
		// PlanID identifies the plan version this task was decomposed from.
		PlanID string
		// Title is a short human-readable label.
		Title string
		// Description is the instruction text handed to the agent.
		Description string
		// Type classifies the work (code, research, ...). Drives routing.
		Type Type
		// Complexity grades the task (simple, medium, complex). Drives routing.
		Complexity Complexity
		// Priority orders ready tasks within a tick; lower runs first.
		Priority int
		// Status is the current lifecycle state.
		Status Status
		// Tier is the model tier the router assigned at decomposition time.
		Tier ModelTier
		// ModelUsed records the concrete model identifier after execution.
		ModelUsed string
		// Context carries typed context entries prepended to the agent's
		// system prompt, newest first for dependency outputs.
		Context []ContextEntry
		// Tools lists the tool names exposed to the agent for this task.
		Tools []string
		// SystemPrompt overrides the default agent system prompt when set.
		SystemPrompt string
		// DependsOn lists task IDs that must be COMPLETED before this task
		// may run. Loaded from the edge table alongside the row.
		DependsOn []string
		// Wave is the parallelism layer: the longest dependency chain length
		// from any root to this task.
		Wave int
		// Output is the final (or partial) text produced by the agent.
		Output string
		// Partial marks Output as incomplete, set when the budget ran out
		// mid-loop.
		Partial bool
		// PromptTokens and CompletionTokens aggregate usage across all agent
		// rounds for this task.
		PromptTokens     int
		CompletionTokens int
		// CostUSD is the total recorded spend for this task.
		CostUSD float64
		// MaxTokens caps completion tokens per model call.
		MaxTokens int
		// VerificationStatus records the outcome of the post-completion
		// output check. Empty until verification runs for this task.
		VerificationStatus VerificationResult
		// VerificationNotes carries the verifier's explanation.
		VerificationNotes string
		// RetryCount is the number of attempts consumed so far.
		RetryCount int
		// MaxRetries bounds transient-failure retries before the task is
		// parked for review.
		MaxRetries int
		// Error holds the last failure message.
		Error string
		// StartedAt and CompletedAt bracket the most recent execution.
		StartedAt   *time.Time
		CompletedAt *time.Time
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// ContextEntry is a typed piece of context forwarded into an agent call.
	// Entries render as "[type]\ncontent" blocks appended to the system
	// prompt.
	ContextEntry struct {
		// Type labels the entry: project_summary, task_description,
		// dependency_output, feedback.
		Type string `json:"type"`
		// Content is the entry body, already truncated by the producer.
		Content string `json:"content"`
	}
)

// Well-known context entry types.
const (
	ContextProjectSummary       = "project_summary"
	ContextTaskDescription      = "task_description"
	ContextDependencyOutput     = "dependency_output"
	ContextFeedback             = "feedback"
	ContextVerificationFeedback = "verification_feedback"
)

// Render formats the entry as a prompt block.
func (e ContextEntry) Render() string {
	return fmt.Sprintf("[%s]\n%s", e.Type, e.Content)
}

// RenderContext joins all entries into the prompt suffix appended after the
// system prompt. Returns the empty string when there are no entries.
func RenderContext(entries []ContextEntry) string {
	if len(entries) == 0 {
		return ""
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Render())
	}
	return strings.Join(parts, "\n\n")
}

// Truncate shortens s to at most max runes, appending an ellipsis marker when
// content was cut. Cuts on rune boundaries so multi-byte sequences survive.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	seen := 0
	for i := range s {
		if seen == max {
			return s[:i] + "\n[truncated]"
		}
		seen++
	}
	return s
}
