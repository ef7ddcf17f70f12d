package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoTool returns its input string, or a canned failure.
type echoTool struct {
	name string
	fail error
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes the text input" }

func (t *echoTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required":             []any{"text"},
		"additionalProperties": false,
	}
}

func (t *echoTool) Execute(_ context.Context, input map[string]any) (string, error) {
	if t.fail != nil {
		return "", t.fail
	}
	return input["text"].(string), nil
}

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{name: "echo"}))

	out, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{name: "echo"}))
	err := r.Register(&echoTool{name: "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterEmptyName(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(&echoTool{name: ""}))
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestExecuteSchemaValidation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{name: "echo"}))
	ctx := context.Background()

	// Missing required field.
	_, err := r.Execute(ctx, "echo", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input for echo")

	// Wrong type.
	_, err = r.Execute(ctx, "echo", map[string]any{"text": 42})
	require.Error(t, err)

	// Extra properties are rejected.
	_, err = r.Execute(ctx, "echo", map[string]any{"text": "hi", "bonus": true})
	require.Error(t, err)
}

func TestExecuteToolFailure(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("disk full")
	require.NoError(t, r.Register(&echoTool{name: "echo", fail: boom}))

	_, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	require.ErrorIs(t, err, boom)
}

func TestNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{name: "zeta"}))
	require.NoError(t, r.Register(&echoTool{name: "alpha"}))
	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
}

func TestDefinitionsSkipsUnknown(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{name: "echo"}))

	defs := r.Definitions([]string{"echo", "missing"})
	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].Name)
	assert.Equal(t, "echoes the text input", defs[0].Description)
	assert.NotNil(t, defs[0].InputSchema)
}

func TestGet(t *testing.T) {
	r := NewRegistry()
	tool := &echoTool{name: "echo"}
	require.NoError(t, r.Register(tool))

	got, ok := r.Get("echo")
	require.True(t, ok)
	assert.Same(t, Tool(tool), got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestExecuteNilInput(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&noArgTool{}))

	out, err := r.Execute(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

type noArgTool struct{}

func (*noArgTool) Name() string        { return "ping" }
func (*noArgTool) Description() string { return "returns pong" }

func (*noArgTool) Schema() map[string]any {
	return map[string]any{"type": "object", "additionalProperties": false}
}

func (*noArgTool) Execute(context.Context, map[string]any) (string, error) {
	return "pong", nil
}
