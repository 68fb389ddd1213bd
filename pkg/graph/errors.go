package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors used throughout the graph package.
var (
	// ErrNodeNotFound is returned when a referenced node is not registered.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode is returned when a node name is registered twice.
	ErrDuplicateNode = errors.New("node already registered")

	// ErrDuplicateEdge is returned when a node is given a second outgoing edge.
	ErrDuplicateEdge = errors.New("node already has an outgoing edge")

	// ErrNoEntry is returned when a graph is validated without an entry point.
	ErrNoEntry = errors.New("graph has no entry point")

	// ErrNoSchema is returned when a graph is validated without a state schema.
	ErrNoSchema = errors.New("graph has no state schema")

	// ErrNotValidated is returned when an unvalidated graph is executed.
	ErrNotValidated = errors.New("graph has not been validated")

	// ErrFrozen is returned when a validated graph is modified.
	ErrFrozen = errors.New("graph is frozen after validation")

	// ErrStaticCycle is returned when validation finds a cycle consisting
	// solely of static edges, which could never terminate.
	ErrStaticCycle = errors.New("cycle through static edges")

	// ErrUnexpectedDispatch is returned when a node without a fan-out edge
	// returns dispatch requests.
	ErrUnexpectedDispatch = errors.New("node returned dispatches but has no fan-out edge")
)

// RoutingError reports a routing function that returned a value outside its
// declared target set. It is always fatal to the run.
type RoutingError struct {
	// Node is the node whose conditional edge was being resolved.
	Node string
	// Returned is the value the router produced.
	Returned string
	// Targets is the declared closed set of legal outcomes.
	Targets []string
	// Cause is set when the router itself returned an error.
	Cause error
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("routing from node %q failed: %v", e.Node, e.Cause)
	}
	return fmt.Sprintf("router for node %q returned %q, declared targets are [%s]",
		e.Node, e.Returned, strings.Join(e.Targets, ", "))
}

// Unwrap returns the underlying router error, if any.
func (e *RoutingError) Unwrap() error {
	return e.Cause
}
