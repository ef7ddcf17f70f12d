// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API using github.com/sashabaranov/go-openai. With a custom base
// URL it also serves any OpenAI-compatible local server (Ollama, llama.cpp,
// vLLM), which is how the local tier talks to its models.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"waveline.dev/waveline/runtime/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// NewLocal constructs a client for an OpenAI-compatible server at baseURL.
// Local servers ignore the API key but go-openai requires one, so a
// placeholder is sent.
func NewLocal(baseURL, defaultModel string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	cfg := openai.DefaultConfig("local")
	cfg.BaseURL = baseURL
	return New(Options{Client: openai.NewClientWithConfig(cfg), DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req.System, req.Messages)
	if err != nil {
		return model.Response{}, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return model.Response{}, err
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Tools:       tools,
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return model.Response{}, classify(err)
	}
	return translateResponse(response), nil
}

// encodeMessages flattens typed parts into the chat completion shape: text
// parts become content, tool_use parts become assistant tool calls, and
// tool_result parts become role "tool" messages keyed by call ID.
func encodeMessages(system string, msgs []model.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		var (
			text      string
			toolCalls []openai.ToolCall
			results   []openai.ChatCompletionMessage
		)
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				text += v.Text
			case model.ToolUsePart:
				args, err := json.Marshal(v.Input)
				if err != nil {
					return nil, fmt.Errorf("openai: marshal tool call %s input: %w", v.Name, err)
				}
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   v.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      v.Name,
						Arguments: string(args),
					},
				})
			case model.ToolResultPart:
				results = append(results, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    v.Content,
					ToolCallID: v.ToolUseID,
				})
			}
		}
		if text != "" || len(toolCalls) > 0 {
			out = append(out, openai.ChatCompletionMessage{
				Role:      string(m.Role),
				Content:   text,
				ToolCalls: toolCalls,
			})
		}
		out = append(out, results...)
	}
	return out, nil
}

func encodeTools(defs []model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: marshal tool %s schema: %w", def.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

// classify maps go-openai errors onto the model sentinels. Local servers also
// surface plain connection errors, which read as unavailable.
func classify(err error) error {
	var apierr *openai.APIError
	if errors.As(err, &apierr) {
		return classifyStatus(apierr.HTTPStatusCode, err)
	}
	var reqerr *openai.RequestError
	if errors.As(err, &reqerr) {
		if reqerr.HTTPStatusCode == 0 {
			return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
		}
		return classifyStatus(reqerr.HTTPStatusCode, err)
	}
	return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
}

func classifyStatus(status int, err error) error {
	switch {
	case status == 429:
		return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	case status >= 500:
		return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	case status >= 400:
		return fmt.Errorf("%w: %w", model.ErrBadRequest, err)
	default:
		return fmt.Errorf("openai chat completion: %w", err)
	}
}

func translateResponse(resp openai.ChatCompletionResponse) model.Response {
	var out model.Response
	for _, choice := range resp.Choices {
		msg := choice.Message
		if msg.Content != "" {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += msg.Content
		}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: parseToolArguments(call.Function.Arguments),
			})
		}
	}
	out.Usage = model.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

func parseToolArguments(raw string) any {
	if raw == "" {
		return nil
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{"raw": raw}
	}
	return payload
}
