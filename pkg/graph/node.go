// Package graph defines the immutable workflow graph: the node registry, the
// edge table and the validation rules that make a graph safe to execute. A
// Graph is built once, validated, and then shared read-only by any number of
// concurrent runs.
package graph

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/state"
)

// RunConfig is the opaque per-run option bag passed unchanged to every node
// executable and routing function. The engine never interprets it.
type RunConfig map[string]interface{}

// Value returns a config entry and whether it is present. A nil RunConfig is
// treated as empty.
func (c RunConfig) Value(key string) (interface{}, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c[key]
	return v, ok
}

// String returns a config entry as a string, or the empty string when the
// entry is absent or not a string.
func (c RunConfig) String(key string) string {
	if v, ok := c.Value(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Dispatch is a request produced by a node to run a target node as one task
// of a parallel fan-out. Input carries the task-scoped fields that are
// overlaid on the shared pre-dispatch state snapshot for that task only.
type Dispatch struct {
	// Target is the node to invoke for this task.
	Target string

	// Input is the scoped input for the task. May be nil for a task that
	// only needs the shared snapshot.
	Input map[string]interface{}
}

// Result is the outcome of a node invocation: a partial state update, a list
// of fan-out dispatch requests, or both. When both are present the update is
// merged before the dispatches are expanded.
type Result struct {
	// Update is the partial state update to merge, keyed by field name.
	Update map[string]interface{}

	// Dispatches are the fan-out requests to expand after the update
	// has been merged. Only legal for nodes with a fan-out edge.
	Dispatches []Dispatch
}

// UpdateResult is a convenience constructor for a plain state update.
func UpdateResult(fields map[string]interface{}) *Result {
	return &Result{Update: fields}
}

// DispatchResult is a convenience constructor for a pure fan-out.
func DispatchResult(dispatches ...Dispatch) *Result {
	return &Result{Dispatches: dispatches}
}

// Executable is the contract for node bodies. Implementations receive a
// read-only state view and the opaque run config, and return a Result or an
// error. The engine does not retry failed executions; an executable that
// wants retries implements them internally. Executables must be safe to
// invoke concurrently, both across runs and within one run's fan-out batch.
type Executable interface {
	Execute(ctx context.Context, view *state.View, cfg RunConfig) (*Result, error)
}

// ExecutableFunc adapts a plain function to the Executable interface.
type ExecutableFunc func(ctx context.Context, view *state.View, cfg RunConfig) (*Result, error)

// Execute implements Executable.
func (f ExecutableFunc) Execute(ctx context.Context, view *state.View, cfg RunConfig) (*Result, error) {
	return f(ctx, view, cfg)
}

// Router is the contract for conditional routing functions. It inspects the
// current state and returns the name of the next node, which must be one of
// the targets declared for its edge. Routers should be pure functions of
// the view.
type Router func(view *state.View) (string, error)
