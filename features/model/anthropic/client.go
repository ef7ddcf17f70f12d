// Package anthropic provides a model.Client backed by the Anthropic Claude
// Messages API. It translates normalized requests into anthropic.Message
// calls using github.com/anthropics/anthropic-sdk-go and maps responses
// (text, tool use, usage) back into the generic structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"waveline.dev/waveline/runtime/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional adapter behavior.
	Options struct {
		// DefaultModel is used when model.Request.Model is empty. Use the
		// typed model constants from github.com/anthropics/anthropic-sdk-go
		// or the identifiers from Anthropic's model reference.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. When zero or negative, callers must set
		// Request.MaxTokens explicitly.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an Anthropic-backed model client from the provided Messages
// client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return model.Response{}, classify(err)
	}
	return translateResponse(msg)
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(t)
	} else if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	return &params, nil
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, errors.New("anthropic: tool_use part missing name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, v.Name))
			case model.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, v.Content, v.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// classify maps SDK errors onto the model sentinels so callers can decide
// between retry and permanent failure. 429 and 529 are rate limits, other
// 5xx are transient outages, 4xx are permanent. Transport failures never
// carry an API status and read as unavailable.
func classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429 || apierr.StatusCode == 529:
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case apierr.StatusCode >= 500:
			return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
		case apierr.StatusCode >= 400:
			return fmt.Errorf("%w: %w", model.ErrBadRequest, err)
		}
		return fmt.Errorf("anthropic messages.new: %w", err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("anthropic messages.new: %w", err)
	}
	return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
}

func translateResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	var resp model.Response
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			if resp.Text != "" {
				resp.Text += "\n"
			}
			resp.Text += block.Text
		case "tool_use":
			var payload any
			if len(block.Input) > 0 {
				var m map[string]any
				if err := json.Unmarshal(block.Input, &m); err == nil {
					payload = m
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: payload,
			})
		}
	}
	resp.Usage = model.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	resp.StopReason = string(msg.StopReason)
	return resp, nil
}
