// Package executor drives one agent execution: the tool-call loop and the
// lifecycle state machine that owns it.
package executor

import "context"

// Scope identifies the execution an operation runs on behalf of. It is
// threaded through context.Context rather than held in process-wide state,
// so concurrent executions cannot leak identity into each other.
type Scope struct {
	ExecutionID   string
	AgentID       string
	UserID        string
	SessionID     string
	InteractionID string
	KnowledgeTags []string
}

type ctxKey int

const scopeKey ctxKey = iota

// WithScope returns a context carrying the given scope.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey, s)
}

// ScopeFrom extracts the scope from a context, or a zero Scope.
func ScopeFrom(ctx context.Context) Scope {
	if s, ok := ctx.Value(scopeKey).(Scope); ok {
		return s
	}
	return Scope{}
}
