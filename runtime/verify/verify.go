// Package verify grades completed task output with a cheap model. The
// verdict decides whether a task stays COMPLETED, is retried with feedback,
// or is parked for human review; the orchestrator applies it, the verifier
// only judges. Verification spend is booked into the usage ledger like any
// other call.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"waveline.dev/waveline/runtime/model"
	"waveline.dev/waveline/runtime/task"
	"waveline.dev/waveline/telemetry"
)

type (
	// Recorder books verification spend. Satisfied by *budget.Manager.
	Recorder interface {
		Record(ctx context.Context, rec *task.UsageRecord) error
	}

	// Pricer prices one model call. Satisfied by *router.Router.
	Pricer interface {
		Cost(ctx context.Context, model string, promptTokens, completionTokens int) float64
	}

	// Options configures the verifier.
	Options struct {
		// Client is the model used for grading. Required.
		Client model.Client
		// Model is the grading model identifier. Required; pick a cheap one.
		Model string
		// MaxTokens caps the verdict completion. Defaults to 1024.
		MaxTokens int
		// Provider labels usage records. Defaults to "anthropic".
		Provider string
		// Budget records spend. Required.
		Budget Recorder
		// Pricer prices the call. Required.
		Pricer Pricer
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
	}

	// Verifier grades task output. Safe for concurrent use.
	Verifier struct {
		client    model.Client
		model     string
		maxTokens int
		provider  string
		budget    Recorder
		pricer    Pricer
		log       telemetry.Logger
	}

	// Outcome is one verification verdict.
	Outcome struct {
		Result  task.VerificationResult
		Notes   string
		CostUSD float64
	}
)

// systemPrompt instructs the grading model. The verdict must come back as a
// bare JSON object so parsing stays trivial.
const systemPrompt = `You are a task output verifier. Given a task description and the output produced,
assess whether the output is acceptable.

Check for:
1. **Substantiveness**: Is the output real content, or is it empty/stub/placeholder?
2. **Relevance**: Does the output address the task description?
3. **Completeness**: Does the output cover the key aspects of what was asked?

Respond with ONLY a JSON object (no markdown):
{
  "verdict": "passed" | "gaps_found" | "human_needed",
  "notes": "Brief explanation of your assessment"
}

Rules:
- "passed": Output is substantive, relevant, and reasonably complete.
- "gaps_found": Output is empty, a stub, placeholder, off-topic, or missing key aspects.
  The task should be retried with feedback.
- "human_needed": Output has fundamental issues that require human judgment
  (e.g., ambiguous requirements, conflicting instructions, needs domain expertise).`

// New constructs a Verifier from the provided options.
func New(opts Options) (*Verifier, error) {
	switch {
	case opts.Client == nil:
		return nil, errors.New("verify: model client is required")
	case opts.Model == "":
		return nil, errors.New("verify: model identifier is required")
	case opts.Budget == nil:
		return nil, errors.New("verify: budget recorder is required")
	case opts.Pricer == nil:
		return nil, errors.New("verify: pricer is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.Provider == "" {
		opts.Provider = "anthropic"
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Verifier{
		client:    opts.Client,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		provider:  opts.Provider,
		budget:    opts.Budget,
		pricer:    opts.Pricer,
		log:       opts.Logger,
	}, nil
}

// Verify grades the task's output. Provider and ledger failures surface as
// errors; an unparseable verdict does not, it escalates to human review
// rather than silently passing.
func (v *Verifier) Verify(ctx context.Context, t *task.Task) (Outcome, error) {
	output := t.Output
	if output == "" {
		output = "(empty)"
	}
	prompt := fmt.Sprintf("## Task: %s\n\n### Description\n%s\n\n### Output\n%s",
		t.Title, t.Description, output)

	resp, err := v.client.Complete(ctx, model.Request{
		Model:     v.model,
		System:    systemPrompt,
		MaxTokens: v.maxTokens,
		Messages: []model.Message{{
			Role:  model.RoleUser,
			Parts: []model.Part{model.TextPart{Text: prompt}},
		}},
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("verify: model call: %w", err)
	}

	cost := v.pricer.Cost(ctx, v.model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if err := v.budget.Record(ctx, &task.UsageRecord{
		ProjectID:        t.ProjectID,
		TaskID:           t.ID,
		Provider:         v.provider,
		Model:            v.model,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		CostUSD:          cost,
		Purpose:          "verification",
	}); err != nil {
		return Outcome{}, fmt.Errorf("verify: record usage: %w", err)
	}

	out := Outcome{CostUSD: cost}
	out.Result, out.Notes = v.parseVerdict(ctx, resp.Text)
	return out, nil
}

// parseVerdict decodes the model's JSON verdict. Unparseable responses
// escalate to human review instead of passing silently; unknown verdict
// strings pass.
func (v *Verifier) parseVerdict(ctx context.Context, raw string) (task.VerificationResult, string) {
	var parsed struct {
		Verdict string `json:"verdict"`
		Notes   string `json:"notes"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		v.log.Warn(ctx, "unparseable verification verdict, escalating to human review",
			"raw", task.Truncate(raw, 200))
		return task.VerificationHumanNeeded,
			"Verification response was not parseable JSON, escalated to human review"
	}
	switch parsed.Verdict {
	case string(task.VerificationGapsFound):
		return task.VerificationGapsFound, parsed.Notes
	case string(task.VerificationHumanNeeded):
		return task.VerificationHumanNeeded, parsed.Notes
	default:
		return task.VerificationPassed, parsed.Notes
	}
}
