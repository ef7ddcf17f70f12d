package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveline.dev/waveline/runtime/budget"
	"waveline.dev/waveline/runtime/model"
	"waveline.dev/waveline/runtime/router"
	"waveline.dev/waveline/runtime/store"
	"waveline.dev/waveline/runtime/task"
	"waveline.dev/waveline/runtime/tools"
)

// scriptedClient replays canned responses and records requests.
type scriptedClient struct {
	responses []model.Response
	err       error
	requests  []model.Request
}

func (c *scriptedClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return model.Response{}, c.err
	}
	if len(c.responses) == 0 {
		return model.Response{Text: "default", StopReason: "end_turn"}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

// flatPricer charges a fixed amount per call.
type flatPricer struct{ perCall float64 }

func (p flatPricer) Cost(context.Context, string, int, int) float64 { return p.perCall }

// recordingTool captures inputs and returns a canned result.
type recordingTool struct {
	result string
	err    error
	inputs []map[string]any
}

func (t *recordingTool) Name() string        { return "scratch" }
func (t *recordingTool) Description() string { return "test tool" }

func (t *recordingTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"note": map[string]any{"type": "string"}},
	}
}

func (t *recordingTool) Execute(_ context.Context, input map[string]any) (string, error) {
	t.inputs = append(t.inputs, input)
	return t.result, t.err
}

type harness struct {
	runner *Runner
	client *scriptedClient
	tool   *recordingTool
	budget *budget.Manager
}

func newHarness(t *testing.T, limits budget.Limits, opts Options) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Path: filepath.Join(t.TempDir(), "agent.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mgr, err := budget.NewManager(budget.Options{Store: st, Limits: limits})
	require.NoError(t, err)

	tool := &recordingTool{result: "tool output"}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tool))

	client := &scriptedClient{}
	opts.Clients = map[string]model.Client{router.ProviderAnthropic: client}
	opts.Registry = registry
	opts.Budget = mgr
	if opts.Pricer == nil {
		opts.Pricer = flatPricer{perCall: 0.01}
	}
	r, err := NewRunner(opts)
	require.NoError(t, err)
	return &harness{runner: r, client: client, tool: tool, budget: mgr}
}

func generousLimits() budget.Limits {
	return budget.Limits{DailyUSD: 100, MonthlyUSD: 100, PerProjectUSD: 100}
}

func testTask() *task.Task {
	return &task.Task{
		ID:          "t1",
		ProjectID:   "p1",
		Title:       "write readme",
		Description: "Write a README for the project.",
		Tools:       []string{"scratch"},
		MaxTokens:   1024,
	}
}

func testSpec() router.ModelSpec {
	return router.ModelSpec{Provider: router.ProviderAnthropic, Model: "claude-haiku-4-5-20251001"}
}

func TestRunTextOnly(t *testing.T) {
	h := newHarness(t, generousLimits(), Options{})
	h.client.responses = []model.Response{{
		Text:  "Here is the README.",
		Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 200},
	}}

	res, err := h.runner.Run(context.Background(), testTask(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "Here is the README.", res.Output)
	assert.False(t, res.Partial)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 100, res.PromptTokens)
	assert.Equal(t, 200, res.CompletionTokens)
	assert.Equal(t, 0.01, res.CostUSD)
	assert.Equal(t, "claude-haiku-4-5-20251001", res.ModelUsed)

	// Spend was recorded against the ledger.
	spent, err := h.budget.ProjectSpend(context.Background(), "p1")
	require.NoError(t, err)
	assert.InDelta(t, 0.01, spent, 1e-9)
}

func TestRunToolLoop(t *testing.T) {
	h := newHarness(t, generousLimits(), Options{})
	h.client.responses = []model.Response{
		{
			Text:      "Let me check something.",
			ToolCalls: []model.ToolCall{{ID: "call_1", Name: "scratch", Input: map[string]any{"note": "hi"}}},
			Usage:     model.TokenUsage{InputTokens: 100, OutputTokens: 50},
		},
		{
			Text:  "Done.",
			Usage: model.TokenUsage{InputTokens: 150, OutputTokens: 30},
		},
	}

	res, err := h.runner.Run(context.Background(), testTask(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "Let me check something.\nDone.", res.Output)
	assert.Equal(t, 2, res.Rounds)
	assert.InDelta(t, 0.02, res.CostUSD, 1e-9)

	require.Len(t, h.tool.inputs, 1)
	assert.Equal(t, map[string]any{"note": "hi"}, h.tool.inputs[0])

	// The second request carries the assistant echo and the tool result.
	require.Len(t, h.client.requests, 2)
	second := h.client.requests[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, model.RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, model.RoleUser, second.Messages[2].Role)
	result, ok := second.Messages[2].Parts[0].(model.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "call_1", result.ToolUseID)
	assert.Equal(t, "tool output", result.Content)
	assert.False(t, result.IsError)
}

func TestRunUnknownToolFedBack(t *testing.T) {
	h := newHarness(t, generousLimits(), Options{})
	h.client.responses = []model.Response{
		{ToolCalls: []model.ToolCall{{ID: "call_1", Name: "ghost", Input: map[string]any{}}}},
		{Text: "ok"},
	}

	_, err := h.runner.Run(context.Background(), testTask(), testSpec())
	require.NoError(t, err)

	result := h.client.requests[1].Messages[2].Parts[0].(model.ToolResultPart)
	assert.True(t, result.IsError)
	assert.Equal(t, "Unknown tool: ghost", result.Content)
}

func TestRunToolErrorFedBack(t *testing.T) {
	h := newHarness(t, generousLimits(), Options{})
	h.tool.err = errors.New("disk full")
	h.client.responses = []model.Response{
		{ToolCalls: []model.ToolCall{{ID: "call_1", Name: "scratch", Input: map[string]any{"note": "x"}}}},
		{Text: "ok"},
	}

	res, err := h.runner.Run(context.Background(), testTask(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)

	result := h.client.requests[1].Messages[2].Parts[0].(model.ToolResultPart)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "Tool error:")
	assert.Contains(t, result.Content, "disk full")
}

func TestRunPartialOnBudgetExhaustion(t *testing.T) {
	// Enough for the first round, nothing after.
	h := newHarness(t, budget.Limits{DailyUSD: 0.5, MonthlyUSD: 100, PerProjectUSD: 100},
		Options{Pricer: flatPricer{perCall: 0.5}})
	h.client.responses = []model.Response{
		{
			Text:      "partial work",
			ToolCalls: []model.ToolCall{{ID: "call_1", Name: "scratch", Input: map[string]any{"note": "x"}}},
		},
		{Text: "never reached"},
	}

	res, err := h.runner.Run(context.Background(), testTask(), testSpec())
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, "partial work", res.Output)
	assert.Equal(t, 1, res.Rounds)
	assert.Len(t, h.client.requests, 1)
}

func TestRunRoundCap(t *testing.T) {
	h := newHarness(t, generousLimits(), Options{MaxToolRounds: 2})
	// Every round asks for another tool call.
	h.client.responses = []model.Response{
		{Text: "r1", ToolCalls: []model.ToolCall{{ID: "c1", Name: "scratch", Input: map[string]any{}}}},
		{Text: "r2", ToolCalls: []model.ToolCall{{ID: "c2", Name: "scratch", Input: map[string]any{}}}},
		{Text: "r3"},
	}

	res, err := h.runner.Run(context.Background(), testTask(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, "r1\nr2", res.Output)
	assert.Len(t, h.client.requests, 2)
}

func TestRunModelError(t *testing.T) {
	h := newHarness(t, generousLimits(), Options{})
	h.client.err = model.ErrRateLimited

	_, err := h.runner.Run(context.Background(), testTask(), testSpec())
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestRunUnknownProvider(t *testing.T) {
	h := newHarness(t, generousLimits(), Options{})
	_, err := h.runner.Run(context.Background(), testTask(),
		router.ModelSpec{Provider: "mystery", Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no client for provider "mystery"`)
}

func TestRunSystemPromptAssembly(t *testing.T) {
	h := newHarness(t, generousLimits(), Options{SystemPrompt: "Be concise."})
	tk := testTask()
	tk.Context = []task.ContextEntry{{Type: task.ContextProjectSummary, Content: "a static site"}}

	_, err := h.runner.Run(context.Background(), tk, testSpec())
	require.NoError(t, err)

	system := h.client.requests[0].System
	assert.Contains(t, system, "Be concise.")
	assert.Contains(t, system, "[project_summary]\na static site")

	// A task-level prompt overrides the runner default.
	h.client.requests = nil
	tk.SystemPrompt = "You write docs."
	_, err = h.runner.Run(context.Background(), tk, testSpec())
	require.NoError(t, err)
	assert.Contains(t, h.client.requests[0].System, "You write docs.")
	assert.NotContains(t, h.client.requests[0].System, "Be concise.")
}

func TestRunCancelledContext(t *testing.T) {
	h := newHarness(t, generousLimits(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.runner.Run(ctx, testTask(), testSpec())
	require.ErrorIs(t, err, context.Canceled)
}
