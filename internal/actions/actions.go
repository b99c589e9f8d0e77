// Package actions provides the whitelisted transform pipeline applied around
// executions. Actions are registered in a closed set at startup; names that
// are not registered are rejected before anything runs.
package actions

import (
	"context"
	"fmt"

	"github.com/arcov/conclave/internal/logging"
)

// Context carries the identity of the execution an action runs for.
type Context struct {
	ExecutionID string
	AgentID     string
	UserID      string
	SessionID   string
}

// Param describes one parameter an action accepts.
type Param struct {
	Type     string // "string", "int", "float", "bool"
	Required bool
	Default  any
}

// ParamSpec maps parameter names to their declarations.
type ParamSpec map[string]Param

// Action is one whitelisted transform or side effect. Implementations either
// transform data or perform an external effect and pass data through.
type Action interface {
	Name() string
	Params() ParamSpec
	// Critical actions propagate failure and halt the surrounding pipeline.
	// Non-critical failures are logged and treated as a no-op.
	Critical() bool
	Run(ctx context.Context, data string, ec Context, params map[string]any) (string, error)
}

// Step is one configured pipeline entry: an action name plus parameters.
type Step struct {
	Name   string         `yaml:"name" json:"name"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Registry is the closed action set built at startup.
type Registry struct {
	actions map[string]Action
	logger  *logging.Logger
}

// NewRegistry creates a registry containing only the given actions.
func NewRegistry(logger *logging.Logger, acts ...Action) *Registry {
	r := &Registry{
		actions: make(map[string]Action, len(acts)),
		logger:  logger.WithComponent("actions"),
	}
	for _, a := range acts {
		r.actions[a.Name()] = a
	}
	return r
}

// Has reports whether the named action is whitelisted.
func (r *Registry) Has(name string) bool {
	_, ok := r.actions[name]
	return ok
}

// Run executes one action by name. Unknown names are rejected before
// execution. Parameters are validated against the action's spec. A failure
// in a non-critical action returns the original data unchanged.
func (r *Registry) Run(ctx context.Context, name, data string, ec Context, params map[string]any) (string, error) {
	a, ok := r.actions[name]
	if !ok {
		return data, fmt.Errorf("action not whitelisted: %s", name)
	}

	resolved, err := validateParams(a.Params(), params)
	if err != nil {
		return data, fmt.Errorf("action %s: %w", name, err)
	}

	out, err := a.Run(ctx, data, ec, resolved)
	if err != nil {
		if a.Critical() {
			return data, fmt.Errorf("action %s: %w", name, err)
		}
		r.logger.Warn("non-critical action failed", map[string]interface{}{
			"action":    name,
			"execution": ec.ExecutionID,
			"error":     err.Error(),
		})
		return data, nil
	}
	return out, nil
}

// RunPipeline applies steps in order, threading data through. A critical
// action's failure halts the pipeline; the error carries the failing step.
func (r *Registry) RunPipeline(ctx context.Context, steps []Step, data string, ec Context) (string, error) {
	for _, step := range steps {
		out, err := r.Run(ctx, step.Name, data, ec, step.Params)
		if err != nil {
			return data, err
		}
		data = out
	}
	return data, nil
}

// validateParams checks types and required flags, filling in defaults.
func validateParams(spec ParamSpec, params map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(spec))
	for name, p := range spec {
		v, ok := params[name]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("missing required param %q", name)
			}
			if p.Default != nil {
				resolved[name] = p.Default
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			return nil, fmt.Errorf("param %q: expected %s, got %T", name, p.Type, v)
		}
		resolved[name] = v
	}
	for name := range params {
		if _, ok := spec[name]; !ok {
			return nil, fmt.Errorf("unknown param %q", name)
		}
	}
	return resolved, nil
}

func typeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "int":
		switch v.(type) {
		case int, int64:
			return true
		case float64: // JSON numbers decode as float64
			f := v.(float64)
			return f == float64(int64(f))
		}
		return false
	case "float":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	}
	return false
}

// intParam reads an int param that may have decoded as float64 or int.
func intParam(params map[string]any, name string, fallback int) int {
	v, ok := params[name]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

// floatParam reads a float param.
func floatParam(params map[string]any, name string, fallback float64) float64 {
	v, ok := params[name]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return fallback
}

// stringParam reads a string param.
func stringParam(params map[string]any, name, fallback string) string {
	if v, ok := params[name].(string); ok {
		return v
	}
	return fallback
}
