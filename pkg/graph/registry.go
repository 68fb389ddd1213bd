package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/state"
)

// registration holds one registered node: its executable and its declared
// output fields. Declared outputs are informational; they are surfaced to
// observability, not enforced.
type registration struct {
	exec    Executable
	outputs []string
}

// Registry maps node names to their executables. Registration happens during
// graph assembly; at run time the registry is only read, so it is safe to
// share across concurrent runs.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]registration
	order []string
}

// NewRegistry creates an empty node registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]registration)}
}

// Register adds a named executable with its declared output fields.
func (r *Registry) Register(name string, exec Executable, declaredOutputs ...string) error {
	if name == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if exec == nil {
		return fmt.Errorf("node %q: executable cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, name)
	}
	r.nodes[name] = registration{exec: exec, outputs: declaredOutputs}
	r.order = append(r.order, name)
	return nil
}

// RegisterFunc is a convenience wrapper around Register for plain functions.
func (r *Registry) RegisterFunc(name string, fn ExecutableFunc, declaredOutputs ...string) error {
	return r.Register(name, fn, declaredOutputs...)
}

// Has reports whether a node name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[name]
	return ok
}

// Names returns the registered node names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Outputs returns the declared output fields of a node.
func (r *Registry) Outputs(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.nodes[name]
	if !ok {
		return nil
	}
	out := make([]string, len(reg.outputs))
	copy(out, reg.outputs)
	return out
}

// Invoke executes a registered node against the given view and run config.
// The returned Result is never nil on success; a node returning nil is
// normalized to an empty Result.
func (r *Registry) Invoke(ctx context.Context, name string, view *state.View, cfg RunConfig) (*Result, error) {
	r.mu.RLock()
	reg, ok := r.nodes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}

	res, err := reg.exec.Execute(ctx, view, cfg)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}
