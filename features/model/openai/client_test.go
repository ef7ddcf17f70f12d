package openai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveline.dev/waveline/runtime/model"
)

type stubChatClient struct {
	lastRequest openai.ChatCompletionRequest
	resp        openai.ChatCompletionResponse
	err         error
}

func (s *stubChatClient) CreateChatCompletion(_ context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastRequest = request
	return s.resp, s.err
}

func newTestClient(t *testing.T, stub *stubChatClient) *Client {
	t.Helper()
	cl, err := New(Options{Client: stub, DefaultModel: "qwen2.5-coder:14b"})
	require.NoError(t, err)
	return cl
}

func userText(text string) model.Message {
	return model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: text}}}
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubChatClient{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hello"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19},
	}}
	cl := newTestClient(t, stub)

	resp, err := cl.Complete(context.Background(), model.Request{
		System:    "be brief",
		Messages:  []model.Message{userText("hi")},
		MaxTokens: 256,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, model.TokenUsage{InputTokens: 12, OutputTokens: 7, TotalTokens: 19}, resp.Usage)
	assert.Equal(t, string(openai.FinishReasonStop), resp.StopReason)

	// The system prompt leads the message list; defaults fill the model.
	assert.Equal(t, "qwen2.5-coder:14b", stub.lastRequest.Model)
	assert.Equal(t, 256, stub.lastRequest.MaxTokens)
	require.GreaterOrEqual(t, len(stub.lastRequest.Messages), 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, stub.lastRequest.Messages[0].Role)
	assert.Equal(t, "be brief", stub.lastRequest.Messages[0].Content)
}

func TestCompleteToolCalls(t *testing.T) {
	stub := &stubChatClient{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:   "call_1",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "read_file",
						Arguments: `{"path":"a.txt"}`,
					},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}}
	cl := newTestClient(t, stub)

	resp, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{userText("read it")},
		Tools: []model.ToolDefinition{{
			Name:        "read_file",
			Description: "reads a file",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "read_file", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"path": "a.txt"}, resp.ToolCalls[0].Input)

	require.Len(t, stub.lastRequest.Tools, 1)
	fn := stub.lastRequest.Tools[0].Function
	require.NotNil(t, fn)
	assert.Equal(t, "read_file", fn.Name)
	assert.JSONEq(t, `{"type":"object"}`, string(fn.Parameters.(json.RawMessage)))
}

func TestCompleteMalformedToolArguments(t *testing.T) {
	stub := &stubChatClient{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "read_file", Arguments: "{not json"},
				}},
			},
		}},
	}}
	cl := newTestClient(t, stub)

	resp, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{userText("go")},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	// Local models sometimes emit broken JSON; it is preserved raw.
	assert.Equal(t, map[string]any{"raw": "{not json"}, resp.ToolCalls[0].Input)
}

func TestCompleteEncodesToolRoundTrip(t *testing.T) {
	stub := &stubChatClient{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: "assistant", Content: "done"},
		}},
	}}
	cl := newTestClient(t, stub)

	_, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			userText("start"),
			{Role: model.RoleAssistant, Parts: []model.Part{
				model.TextPart{Text: "checking"},
				model.ToolUsePart{ID: "call_1", Name: "read_file", Input: map[string]any{"path": "a.txt"}},
			}},
			{Role: model.RoleUser, Parts: []model.Part{
				model.ToolResultPart{ToolUseID: "call_1", Content: "contents"},
			}},
		},
	})
	require.NoError(t, err)

	msgs := stub.lastRequest.Messages
	require.Len(t, msgs, 3)

	assistant := msgs[1]
	assert.Equal(t, "assistant", assistant.Role)
	assert.Equal(t, "checking", assistant.Content)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.JSONEq(t, `{"path":"a.txt"}`, assistant.ToolCalls[0].Function.Arguments)

	// The tool result becomes a role "tool" message keyed by call ID.
	result := msgs[2]
	assert.Equal(t, openai.ChatMessageRoleTool, result.Role)
	assert.Equal(t, "call_1", result.ToolCallID)
	assert.Equal(t, "contents", result.Content)
}

func TestCompleteClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"api 429", &openai.APIError{HTTPStatusCode: 429}, model.ErrRateLimited},
		{"api 500", &openai.APIError{HTTPStatusCode: 500}, model.ErrUnavailable},
		{"api 400", &openai.APIError{HTTPStatusCode: 400}, model.ErrBadRequest},
		{"request 503", &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("bad gateway")}, model.ErrUnavailable},
		{"request no status", &openai.RequestError{Err: errors.New("connection refused")}, model.ErrUnavailable},
		{"plain connection error", errors.New("dial tcp: connection refused"), model.ErrUnavailable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cl := newTestClient(t, &stubChatClient{err: c.err})
			_, err := cl.Complete(context.Background(), model.Request{
				Messages: []model.Message{userText("hi")},
			})
			require.ErrorIs(t, err, c.want)
		})
	}
}

func TestCompleteValidation(t *testing.T) {
	cl := newTestClient(t, &stubChatClient{})
	_, err := cl.Complete(context.Background(), model.Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messages are required")
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = New(Options{Client: &stubChatClient{}})
	require.Error(t, err)
	_, err = NewLocal("", "m")
	require.Error(t, err)
	_, err = NewFromAPIKey("", "m")
	require.Error(t, err)
}
