package tools

import "context"

// Scope identifies the project a tool call runs on behalf of. The
// orchestrator scopes each worker's context at dispatch; tools that touch
// per-project resources read it back with ScopeFrom, so a task can never
// reach into another project's workspace.
type Scope struct {
	// ProjectID is the executing task's project.
	ProjectID string
	// WorkspaceDir is the project's sandbox directory.
	WorkspaceDir string
}

type scopeKey struct{}

// WithScope returns a context carrying the project scope.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom extracts the project scope, reporting whether one is set.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}
