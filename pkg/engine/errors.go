package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/state"
)

// Kind is a machine-readable failure category carried by RunError.
type Kind string

const (
	// KindUnknownField marks a merge referencing an undeclared state field.
	KindUnknownField Kind = "unknown_field"

	// KindTypeMismatch marks a merge whose value violated a field's kind.
	KindTypeMismatch Kind = "type_mismatch"

	// KindReducer marks a field reducer that failed while combining values.
	KindReducer Kind = "reducer_failed"

	// KindRouting marks a routing function that returned an undeclared
	// target, or a dispatch naming an unregistered node.
	KindRouting Kind = "routing"

	// KindNodeExecution marks an error raised by a node executable.
	KindNodeExecution Kind = "node_execution"

	// KindJoinMismatch marks a fan-out batch whose expected and received
	// completion counts could not be reconciled. Always an engine defect.
	KindJoinMismatch Kind = "join_mismatch"

	// KindStepLimit marks a run that exceeded its configured step limit.
	KindStepLimit Kind = "step_limit"

	// KindCancelled marks a run stopped through its cancellation handle.
	KindCancelled Kind = "cancelled"

	// KindDeadline marks a run or node that exceeded its deadline.
	KindDeadline Kind = "deadline_exceeded"
)

// ErrStepLimit is wrapped by run errors of kind KindStepLimit.
var ErrStepLimit = errors.New("step limit exceeded")

// NodeExecutionError wraps an error returned by a node executable.
type NodeExecutionError struct {
	// Node is the node whose execution failed.
	Node string
	// Cause is the error the executable returned.
	Cause error
}

// Error implements the error interface.
func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.Node, e.Cause)
}

// Unwrap returns the executable's error.
func (e *NodeExecutionError) Unwrap() error {
	return e.Cause
}

// JoinMismatchError reports a fan-out batch whose completion accounting
// broke: a duplicate or out-of-range completion signal, or a result channel
// that closed before every task reported. It indicates a defect, not a
// user-recoverable condition.
type JoinMismatchError struct {
	// BatchID identifies the fan-out batch.
	BatchID string
	// Expected is the number of dispatched tasks.
	Expected int
	// Received is the number of completions accepted before the mismatch.
	Received int
	// Index is the offending dispatch index, or -1 when the mismatch is a
	// premature close rather than a bad signal.
	Index int
}

// Error implements the error interface.
func (e *JoinMismatchError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("join barrier for batch %s: duplicate or out-of-range completion for index %d (received %d/%d)",
			e.BatchID, e.Index, e.Received, e.Expected)
	}
	return fmt.Sprintf("join barrier for batch %s: received %d/%d completions",
		e.BatchID, e.Received, e.Expected)
}

// RunError is the structured failure returned by Engine.Run. It carries the
// failing node, the failure kind and the state as of the last successful
// merge, useful for diagnostics, not for resuming.
type RunError struct {
	// RunID identifies the failed run.
	RunID string
	// Node is the node associated with the failure, if any.
	Node string
	// Kind categorizes the failure.
	Kind Kind
	// State is the last consistent state snapshot.
	State *state.View
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("run %s failed at node %q [%s]: %v", e.RunID, e.Node, e.Kind, e.Err)
	}
	return fmt.Sprintf("run %s failed [%s]: %v", e.RunID, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Err
}

// classify maps an error onto its failure kind. Context errors win so that
// a cancelled node execution surfaces as cancellation rather than as a node
// failure.
func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadline
	case errors.Is(err, ErrStepLimit):
		return KindStepLimit
	case errors.Is(err, state.ErrUnknownField):
		return KindUnknownField
	case errors.Is(err, state.ErrTypeMismatch):
		return KindTypeMismatch
	}

	var reducerErr *state.ReducerError
	if errors.As(err, &reducerErr) {
		return KindReducer
	}
	var routingErr *graph.RoutingError
	if errors.As(err, &routingErr) {
		return KindRouting
	}
	var joinErr *JoinMismatchError
	if errors.As(err, &joinErr) {
		return KindJoinMismatch
	}
	if errors.Is(err, graph.ErrNodeNotFound) {
		return KindRouting
	}

	return KindNodeExecution
}
