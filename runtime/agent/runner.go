// Package agent implements the per-task model loop: it assembles the prompt
// from the task and its context entries, exposes the task's toolset, executes
// requested tool calls with results fed back to the model, and records spend
// after every round. The runner never mutates task rows; it returns a Result
// for the orchestrator's worker to persist.
package agent

import (
	"context"
	"errors"
	"fmt"

	"waveline.dev/waveline/runtime/budget"
	"waveline.dev/waveline/runtime/events"
	"waveline.dev/waveline/runtime/model"
	"waveline.dev/waveline/runtime/router"
	"waveline.dev/waveline/runtime/task"
	"waveline.dev/waveline/runtime/tools"
	"waveline.dev/waveline/telemetry"
)

type (
	// Pricer prices one model call. Satisfied by *router.Router.
	Pricer interface {
		Cost(ctx context.Context, model string, promptTokens, completionTokens int) float64
	}

	// Options configures the runner.
	Options struct {
		// Clients maps provider names (router.ProviderAnthropic,
		// router.ProviderLocal) to model clients. Required.
		Clients map[string]model.Client
		// Registry dispatches tool calls. Required.
		Registry *tools.Registry
		// Budget records per-round spend and answers mid-loop continuation
		// checks. Required.
		Budget *budget.Manager
		// Bus publishes tool_call events. Optional.
		Bus *events.Bus
		// Pricer prices calls. Required.
		Pricer Pricer
		// MaxToolRounds bounds model turns per task. Defaults to 10.
		MaxToolRounds int
		// DefaultMaxTokens applies when the task does not set MaxTokens.
		DefaultMaxTokens int
		// SystemPrompt applies when the task does not set one.
		SystemPrompt string
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Runner executes tasks against a model with tools.
	Runner struct {
		clients   map[string]model.Client
		registry  *tools.Registry
		budget    *budget.Manager
		bus       *events.Bus
		pricer    Pricer
		maxRounds int
		maxTokens int
		system    string
		log       telemetry.Logger
		metrics   telemetry.Metrics
	}

	// Result is the outcome of one task execution.
	Result struct {
		// Output is the concatenated assistant text across rounds.
		Output string
		// Partial marks Output incomplete: the budget ran out mid-loop and
		// the loop stopped early with what it had.
		Partial bool
		// ModelUsed is the concrete model identifier invoked.
		ModelUsed string
		// PromptTokens and CompletionTokens aggregate usage across rounds.
		PromptTokens     int
		CompletionTokens int
		// CostUSD is the total recorded spend.
		CostUSD float64
		// Rounds is the number of model turns consumed.
		Rounds int
	}
)

// defaultSystemPrompt is used when neither the task nor the options set one.
const defaultSystemPrompt = "You are a focused task executor."

// minSpendProbe is the amount the mid-loop budget check asks for: enough to
// know another round is plausible without reserving a full call.
const minSpendProbe = 0.001

// NewRunner constructs a Runner from the provided options.
func NewRunner(opts Options) (*Runner, error) {
	if len(opts.Clients) == 0 {
		return nil, errors.New("agent: at least one model client is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("agent: tool registry is required")
	}
	if opts.Budget == nil {
		return nil, errors.New("agent: budget manager is required")
	}
	if opts.Pricer == nil {
		return nil, errors.New("agent: pricer is required")
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 10
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = 4096
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Runner{
		clients:   opts.Clients,
		registry:  opts.Registry,
		budget:    opts.Budget,
		bus:       opts.Bus,
		pricer:    opts.Pricer,
		maxRounds: opts.MaxToolRounds,
		maxTokens: opts.DefaultMaxTokens,
		system:    opts.SystemPrompt,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Run executes one task to completion, a partial stop, or an error. Errors
// are provider or persistence failures; tool failures never surface here,
// they go back to the model as error strings.
func (r *Runner) Run(ctx context.Context, t *task.Task, spec router.ModelSpec) (Result, error) {
	client, ok := r.clients[spec.Provider]
	if !ok {
		return Result{}, fmt.Errorf("agent: no client for provider %q", spec.Provider)
	}

	system := t.SystemPrompt
	if system == "" {
		system = r.system
	}
	if rendered := task.RenderContext(t.Context); rendered != "" {
		system += "\n\n" + rendered
	}
	defs := r.registry.Definitions(t.Tools)
	if len(defs) < len(t.Tools) {
		r.log.Debug(ctx, "some task tools are not registered",
			"task_id", t.ID, "requested", len(t.Tools), "available", len(defs))
	}
	maxTokens := t.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.maxTokens
	}

	messages := []model.Message{{
		Role:  model.RoleUser,
		Parts: []model.Part{model.TextPart{Text: t.Description}},
	}}

	var res Result
	res.ModelUsed = spec.Model

	for round := 1; round <= r.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		resp, err := client.Complete(ctx, model.Request{
			Model:     spec.Model,
			System:    system,
			Messages:  messages,
			Tools:     defs,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return res, fmt.Errorf("agent: model call: %w", err)
		}
		res.Rounds = round
		cost := r.pricer.Cost(ctx, spec.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		res.PromptTokens += resp.Usage.InputTokens
		res.CompletionTokens += resp.Usage.OutputTokens
		res.CostUSD += cost
		if resp.Text != "" {
			if res.Output != "" {
				res.Output += "\n"
			}
			res.Output += resp.Text
		}
		r.metrics.IncCounter(telemetry.MetricModelCalls, 1,
			"provider", spec.Provider, "model", spec.Model)

		if err := r.budget.Record(ctx, &task.UsageRecord{
			ProjectID:        t.ProjectID,
			TaskID:           t.ID,
			Provider:         spec.Provider,
			Model:            spec.Model,
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			CostUSD:          cost,
			Purpose:          "execution",
		}); err != nil {
			return res, fmt.Errorf("agent: record usage: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return res, nil
		}

		assistant, results, err := r.executeToolCalls(ctx, t, resp)
		if err != nil {
			return res, err
		}
		messages = append(messages, assistant, results)

		if !r.budget.CanContinue(ctx, t.ProjectID, minSpendProbe) {
			r.log.Info(ctx, "budget exhausted mid-loop, returning partial output",
				"task_id", t.ID, "round", round)
			res.Partial = true
			return res, nil
		}
	}
	r.log.Debug(ctx, "tool round limit reached", "task_id", t.ID, "rounds", r.maxRounds)
	return res, nil
}

// executeToolCalls runs each requested tool in order, checking cancellation
// between invocations, and returns the assistant echo message plus the user
// message carrying the tool results.
func (r *Runner) executeToolCalls(ctx context.Context, t *task.Task, resp model.Response) (model.Message, model.Message, error) {
	assistantParts := make([]model.Part, 0, len(resp.ToolCalls)+1)
	if resp.Text != "" {
		assistantParts = append(assistantParts, model.TextPart{Text: resp.Text})
	}
	resultParts := make([]model.Part, 0, len(resp.ToolCalls))

	for _, call := range resp.ToolCalls {
		assistantParts = append(assistantParts, model.ToolUsePart{
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		})
		if err := ctx.Err(); err != nil {
			return model.Message{}, model.Message{}, err
		}
		if r.bus != nil {
			if err := r.bus.Publish(ctx, &task.Event{
				ProjectID: t.ProjectID,
				TaskID:    t.ID,
				Type:      task.EventToolCall,
				Message:   call.Name,
				Data:      map[string]any{"tool": call.Name},
			}); err != nil {
				r.log.Warn(ctx, "tool_call event publish failed", "err", err)
			}
		}

		input, _ := call.Input.(map[string]any)
		content, isError := "", false
		out, err := r.registry.Execute(ctx, call.Name, input)
		switch {
		case errors.Is(err, tools.ErrUnknownTool):
			content, isError = fmt.Sprintf("Unknown tool: %s", call.Name), true
		case err != nil:
			content, isError = fmt.Sprintf("Tool error: %v", err), true
		default:
			content = out
		}
		resultParts = append(resultParts, model.ToolResultPart{
			ToolUseID: call.ID,
			Content:   content,
			IsError:   isError,
		})
	}
	assistant := model.Message{Role: model.RoleAssistant, Parts: assistantParts}
	results := model.Message{Role: model.RoleUser, Parts: resultParts}
	return assistant, results, nil
}
