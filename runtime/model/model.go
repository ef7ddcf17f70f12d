// Package model defines the provider-agnostic contract for LLM invocations.
// Adapters under features/model translate Request/Response into concrete SDK
// calls (Anthropic Messages, OpenAI-compatible chat completions) so the agent
// runner never couples to a provider SDK.
package model

import "context"

type (
	// Client is the contract the agent runner uses to invoke a model.
	// Implementations must be safe for concurrent use.
	Client interface {
		// Complete sends one chat completion request and returns the full
		// response. Errors are classified with the sentinels in errors.go so
		// callers can decide between retry and permanent failure.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request is a normalized model invocation.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects the
		// adapter's configured default.
		Model string
		// System is the system prompt, already assembled from the task's
		// prompt and context entries.
		System string
		// Messages is the ordered conversation: user input, assistant turns
		// with tool use, and tool results.
		Messages []Message
		// Tools describes the tool schemas exposed for function calling.
		Tools []ToolDefinition
		// MaxTokens caps completion tokens. Zero uses the adapter default.
		MaxTokens int
		// Temperature controls sampling. Zero means provider default.
		Temperature float64
	}

	// Role labels a conversation message.
	Role string

	// Message is one conversation turn composed of typed parts.
	Message struct {
		Role  Role
		Parts []Part
	}

	// Part is a typed message fragment. Concrete types: TextPart,
	// ToolUsePart, ToolResultPart.
	Part interface{ part() }

	// TextPart is plain text content.
	TextPart struct {
		Text string
	}

	// ToolUsePart echoes an assistant tool invocation back to the provider
	// so tool results can be correlated on the next turn.
	ToolUsePart struct {
		ID    string
		Name  string
		Input any
	}

	// ToolResultPart carries a tool execution result back to the model.
	ToolResultPart struct {
		ToolUseID string
		Content   string
		IsError   bool
	}

	// ToolDefinition describes a tool schema for function calling.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is a JSON Schema object, typically map[string]any.
		InputSchema any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID correlates the eventual ToolResultPart.
		ID string
		// Name identifies the requested tool.
		Name string
		// Input carries the decoded JSON arguments.
		Input any
	}

	// Response wraps generated text, requested tool calls, and usage.
	Response struct {
		// Text is the concatenated assistant text content.
		Text string
		// ToolCalls lists tool invocations requested this turn, in order.
		ToolCalls []ToolCall
		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage
		// StopReason is the provider's termination reason, e.g. "end_turn",
		// "max_tokens", "tool_use". Provider-specific and may be empty.
		StopReason string
	}

	// TokenUsage records token counts for one call.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (TextPart) part()       {}
func (ToolUsePart) part()    {}
func (ToolResultPart) part() {}
