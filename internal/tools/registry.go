// Package tools provides the tool registry consumed by executions.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/arcov/conclave/internal/llm"
)

// Tool defines the interface for an agent capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the tool's inputs
	Execute(ctx context.Context, input string) (string, error)
}

// Registry manages the set of available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether the named tool is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Resolve maps requested tool names to LLM definitions, reporting names that
// failed to resolve instead of erroring.
func (r *Registry) Resolve(names []string) (defs []llm.ToolDef, missing []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs, missing
}

// Run executes the named tool with raw JSON arguments. It satisfies
// llm.ToolRunner.
func (r *Registry) Run(ctx context.Context, name, arguments string) (string, error) {
	t := r.Get(name)
	if t == nil {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	return t.Execute(ctx, arguments)
}
