// Package llm implements the local_llm tool: a single-shot delegation to the
// local model so expensive tiers can farm out drafting and summarization
// without spending API budget.
package llm

import (
	"context"
	"errors"
	"fmt"

	"waveline.dev/waveline/runtime/model"
)

// maxTokens caps delegated completions. Delegations are drafts, not final
// output, so the cap is modest.
const maxTokens = 2048

// Tool delegates a prompt to the local model client.
type Tool struct {
	client model.Client
	model  string
}

// New constructs a local_llm tool. client is the OpenAI-compatible local
// adapter; modelID is the local model identifier.
func New(client model.Client, modelID string) (*Tool, error) {
	if client == nil {
		return nil, errors.New("llm: local model client is required")
	}
	if modelID == "" {
		return nil, errors.New("llm: model identifier is required")
	}
	return &Tool{client: client, model: modelID}, nil
}

func (t *Tool) Name() string { return "local_llm" }

func (t *Tool) Description() string {
	return "Delegate a prompt to the local model. Useful for drafting, summarizing, or transforming text without API cost."
}

func (t *Tool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "The prompt to send to the local model.",
			},
			"system": map[string]any{
				"type":        "string",
				"description": "Optional system prompt for the delegation.",
			},
		},
		"required":             []any{"prompt"},
		"additionalProperties": false,
	}
}

func (t *Tool) Execute(ctx context.Context, input map[string]any) (string, error) {
	prompt, _ := input["prompt"].(string)
	if prompt == "" {
		return "", errors.New("llm: prompt is required")
	}
	system, _ := input["system"].(string)
	resp, err := t.client.Complete(ctx, model.Request{
		Model:  t.model,
		System: system,
		Messages: []model.Message{{
			Role:  model.RoleUser,
			Parts: []model.Part{model.TextPart{Text: prompt}},
		}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm: local completion: %w", err)
	}
	return resp.Text, nil
}
