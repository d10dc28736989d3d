package tools

import (
	"context"
	"fmt"
	"sync"
)

// Result is the outcome of one tool execution. Output is fed back to the
// model verbatim as JSON.
type Result struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Executor runs named tools. The moderated flag tells the implementation
// the call came from a model rather than trusted code, so it can apply
// stricter policy.
type Executor interface {
	Execute(ctx context.Context, name string, params map[string]any, moderated bool) (*Result, error)
}

// Func adapts a plain function into a tool implementation.
type Func func(ctx context.Context, params map[string]any) (map[string]any, error)

// Registry is an in-memory Executor keyed by tool name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Func)}
}

// Register binds a tool name to its implementation, replacing any previous
// binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.tools[name] = fn
	r.mu.Unlock()
}

// Names lists registered tool names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Execute runs a registered tool. An unknown name or an implementation
// error becomes a failed Result rather than a hard error so the model can
// react to it.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, moderated bool) (*Result, error) {
	r.mu.RLock()
	fn, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}, nil
	}

	out, err := fn(ctx, params)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	return &Result{Success: true, Output: out}, nil
}
