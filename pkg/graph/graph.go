package graph

import (
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/state"
)

// Step is one concrete unit of work produced by edge resolution: a node to
// invoke and, for fan-out tasks, the scoped input and dispatch index of the
// originating request.
type Step struct {
	// Node is the node to invoke.
	Node string

	// Input is the task-scoped input overlaid on the shared snapshot.
	// Nil means the node sees the full state.
	Input map[string]interface{}

	// Index is the dispatch index within a fan-out batch. Zero for
	// non-batch steps.
	Index int
}

// Graph is a workflow graph definition: a state schema, an entry point, a
// node registry and an edge table. A graph is mutable while being assembled;
// Validate checks its structure and freezes it, after which it may be
// executed concurrently by any number of runs.
type Graph struct {
	schema    *state.Schema
	registry  *Registry
	entry     string
	edges     map[string]Edge
	validated bool
}

// New creates a graph over the given state schema and node registry.
func New(schema *state.Schema, registry *Registry) *Graph {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Graph{
		schema:   schema,
		registry: registry,
		edges:    make(map[string]Edge),
	}
}

// Schema returns the state schema runs over this graph are bound to.
func (g *Graph) Schema() *state.Schema {
	return g.schema
}

// Registry returns the node registry backing this graph.
func (g *Graph) Registry() *Registry {
	return g.registry
}

// SetEntry declares the entry node of the graph.
func (g *Graph) SetEntry(node string) error {
	if g.validated {
		return ErrFrozen
	}
	g.entry = node
	return nil
}

// Entry returns the declared entry node.
func (g *Graph) Entry() string {
	return g.entry
}

// AddEdge declares a static edge: after from completes, to always runs.
func (g *Graph) AddEdge(from, to string) error {
	return g.addEdge(Edge{kind: EdgeStatic, from: from, to: to})
}

// AddConditionalEdge declares a conditional edge: after from completes, the
// router picks the next node from the declared closed set of targets. A
// router returning anything outside the set is a fatal routing error at run
// time.
func (g *Graph) AddConditionalEdge(from string, router Router, targets ...string) error {
	if router == nil {
		return fmt.Errorf("conditional edge from %q: router cannot be nil", from)
	}
	if len(targets) == 0 {
		return fmt.Errorf("conditional edge from %q: at least one target is required", from)
	}
	return g.addEdge(Edge{kind: EdgeConditional, from: from, router: router, targets: targets})
}

// AddFanOut declares that from may return dispatch requests which are
// expanded into parallel tasks, all of which must complete before execution
// continues at the join node.
func (g *Graph) AddFanOut(from, join string) error {
	if join == "" {
		return fmt.Errorf("fan-out from %q: join node cannot be empty", from)
	}
	return g.addEdge(Edge{kind: EdgeFanOut, from: from, join: join})
}

// addEdge installs an edge, enforcing a single outgoing rule per node.
func (g *Graph) addEdge(e Edge) error {
	if g.validated {
		return ErrFrozen
	}
	if e.from == "" {
		return fmt.Errorf("edge source cannot be empty")
	}
	if _, exists := g.edges[e.from]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateEdge, e.from)
	}
	g.edges[e.from] = e
	return nil
}

// EdgeFor returns the outgoing edge of a node, if any.
func (g *Graph) EdgeFor(node string) (Edge, bool) {
	e, ok := g.edges[node]
	return e, ok
}

// Validated reports whether Validate has succeeded on this graph.
func (g *Graph) Validated() bool {
	return g.validated
}

// Validate checks the graph's structure and freezes it:
//
//   - the entry node is declared and registered
//   - every edge references registered nodes, including every declared
//     target of every conditional edge (routing closure)
//   - no cycle exists that consists solely of static edges, since such a
//     cycle could never terminate
//   - no two fan-out edges share a join node, so a join can only ever be
//     the barrier of one batch at a time
//
// After a successful Validate the graph rejects further modification.
func (g *Graph) Validate() error {
	if g.schema == nil {
		return ErrNoSchema
	}
	if g.entry == "" {
		return ErrNoEntry
	}
	if !g.registry.Has(g.entry) {
		return fmt.Errorf("entry %w: %q", ErrNodeNotFound, g.entry)
	}

	joins := make(map[string]string)
	for from, e := range g.edges {
		if !g.registry.Has(from) {
			return fmt.Errorf("edge source %w: %q", ErrNodeNotFound, from)
		}
		switch e.kind {
		case EdgeStatic:
			if !g.registry.Has(e.to) {
				return fmt.Errorf("edge %q -> %q: target %w", from, e.to, ErrNodeNotFound)
			}
		case EdgeConditional:
			seen := make(map[string]bool, len(e.targets))
			for _, t := range e.targets {
				if !g.registry.Has(t) {
					return fmt.Errorf("conditional edge from %q: target %w: %q", from, ErrNodeNotFound, t)
				}
				if seen[t] {
					return fmt.Errorf("conditional edge from %q: duplicate target %q", from, t)
				}
				seen[t] = true
			}
		case EdgeFanOut:
			if !g.registry.Has(e.join) {
				return fmt.Errorf("fan-out from %q: join %w: %q", from, ErrNodeNotFound, e.join)
			}
			if prev, taken := joins[e.join]; taken {
				return fmt.Errorf("join %q is shared by fan-outs from %q and %q", e.join, prev, from)
			}
			joins[e.join] = from
		}
	}

	if err := g.checkStaticCycles(); err != nil {
		return err
	}

	g.validated = true
	return nil
}

// checkStaticCycles walks the static-edge subgraph looking for cycles.
// Conditional and fan-out edges are excluded: they are the graph's exits,
// and loops through them are bounded by the run's step limit instead.
func (g *Graph) checkStaticCycles() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	colors := make(map[string]int, len(g.edges))

	var walk func(node string) error
	walk = func(node string) error {
		colors[node] = visiting
		if e, ok := g.edges[node]; ok && e.kind == EdgeStatic {
			switch colors[e.to] {
			case visiting:
				return fmt.Errorf("%w: %q -> %q", ErrStaticCycle, node, e.to)
			case unvisited:
				if err := walk(e.to); err != nil {
					return err
				}
			}
		}
		colors[node] = done
		return nil
	}

	for from := range g.edges {
		if colors[from] == unvisited {
			if err := walk(from); err != nil {
				return err
			}
		}
	}
	return nil
}

// NextSteps resolves what runs after the given node, based on its outgoing
// edge, the post-merge state view and any dispatch requests the node
// returned. It returns the next steps, and for a fan-out batch the join node
// that the batch reconverges at (empty otherwise).
//
// A node whose edge is not a fan-out must not return dispatches. An empty
// dispatch list on a fan-out edge skips the batch and proceeds directly to
// the join node.
func (g *Graph) NextSteps(node string, view *state.View, dispatches []Dispatch) ([]Step, string, error) {
	if !g.validated {
		return nil, "", ErrNotValidated
	}

	e, ok := g.edges[node]
	if !ok {
		if len(dispatches) > 0 {
			return nil, "", fmt.Errorf("%w: %q", ErrUnexpectedDispatch, node)
		}
		return nil, "", nil // terminal
	}

	switch e.kind {
	case EdgeStatic:
		if len(dispatches) > 0 {
			return nil, "", fmt.Errorf("%w: %q", ErrUnexpectedDispatch, node)
		}
		return []Step{{Node: e.to}}, "", nil

	case EdgeConditional:
		if len(dispatches) > 0 {
			return nil, "", fmt.Errorf("%w: %q", ErrUnexpectedDispatch, node)
		}
		target, err := e.router(view)
		if err != nil {
			return nil, "", &RoutingError{Node: node, Targets: e.Targets(), Cause: err}
		}
		if !e.hasTarget(target) {
			return nil, "", &RoutingError{Node: node, Returned: target, Targets: e.Targets()}
		}
		return []Step{{Node: target}}, "", nil

	case EdgeFanOut:
		if len(dispatches) == 0 {
			return []Step{{Node: e.join}}, "", nil
		}
		steps := make([]Step, len(dispatches))
		for i, d := range dispatches {
			if !g.registry.Has(d.Target) {
				return nil, "", fmt.Errorf("dispatch %d from %q: target %w: %q", i, node, ErrNodeNotFound, d.Target)
			}
			steps[i] = Step{Node: d.Target, Input: d.Input, Index: i}
		}
		return steps, e.join, nil
	}

	return nil, "", fmt.Errorf("node %q: unknown edge kind %q", node, e.kind)
}
