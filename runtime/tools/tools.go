// Package tools defines the tool contract exposed to agents and the registry
// that validates and dispatches tool calls. Inputs are checked against each
// tool's JSON schema before execution so tools never see malformed payloads.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"waveline.dev/waveline/runtime/model"
)

type (
	// Tool is one capability an agent can invoke. Implementations must be
	// safe for concurrent use; Execute may be called from multiple workers.
	Tool interface {
		// Name is the identifier advertised to the model.
		Name() string
		// Description documents the tool for prompting purposes.
		Description() string
		// Schema is the JSON Schema object describing the input payload.
		Schema() map[string]any
		// Execute runs the tool and returns its textual result. Errors are
		// surfaced to the model as error strings, never as task failures.
		Execute(ctx context.Context, input map[string]any) (string, error)
	}

	// Registry holds the tools available to agents, keyed by name, with
	// their compiled input schemas.
	Registry struct {
		mu      sync.RWMutex
		entries map[string]*entry
	}

	entry struct {
		tool   Tool
		schema *jsonschema.Schema
	}
)

// ErrUnknownTool is returned when a call names a tool the registry does not
// hold.
var ErrUnknownTool = errors.New("tools: unknown tool")

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool, compiling its input schema. Registering a duplicate
// name or an invalid schema is a wiring bug and returns an error.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return errors.New("tools: tool name is required")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", t.Schema()); err != nil {
		return fmt.Errorf("tools: add schema for %s: %w", name, err)
	}
	schema, err := compiler.Compile(name + ".json")
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tools: %s already registered", name)
	}
	r.entries[name] = &entry{tool: t, schema: schema}
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Names lists all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions builds model tool definitions for the requested names,
// skipping names the registry does not hold. The caller logs skips.
func (r *Registry) Definitions(names []string) []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Name:        name,
			Description: e.tool.Description(),
			InputSchema: e.tool.Schema(),
		})
	}
	return defs
}

// Execute validates input against the tool's schema and runs it. Unknown
// tools return ErrUnknownTool; schema violations and execution failures come
// back as errors for the caller to stringify toward the model.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := e.schema.Validate(normalize(input)); err != nil {
		return "", fmt.Errorf("invalid input for %s: %w", name, err)
	}
	return e.tool.Execute(ctx, input)
}

// normalize converts the input map to the plain-JSON value shapes the schema
// validator expects.
func normalize(input map[string]any) any {
	if input == nil {
		return map[string]any{}
	}
	return any(input)
}
