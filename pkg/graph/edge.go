package graph

// EdgeKind discriminates the three edge variants.
type EdgeKind string

const (
	// EdgeStatic is an unconditional successor edge.
	EdgeStatic EdgeKind = "static"

	// EdgeConditional routes through a function over the current state,
	// constrained to a declared closed set of targets.
	EdgeConditional EdgeKind = "conditional"

	// EdgeFanOut expands a node's dispatch requests into parallel tasks
	// that reconverge at a designated join node.
	EdgeFanOut EdgeKind = "fanout"
)

// Edge is the outgoing transition rule of a node. Exactly one variant's
// fields are populated, selected by Kind. Edges are immutable once the graph
// is validated.
type Edge struct {
	kind    EdgeKind
	from    string
	to      string   // static target
	router  Router   // conditional routing function
	targets []string // conditional closed target set
	join    string   // fan-out join node
}

// Kind returns the edge variant.
func (e Edge) Kind() EdgeKind { return e.kind }

// From returns the source node.
func (e Edge) From() string { return e.from }

// To returns the static target. Empty for other kinds.
func (e Edge) To() string { return e.to }

// Targets returns the declared target set of a conditional edge.
func (e Edge) Targets() []string {
	out := make([]string, len(e.targets))
	copy(out, e.targets)
	return out
}

// Join returns the join node of a fan-out edge. Empty for other kinds.
func (e Edge) Join() string { return e.join }

// hasTarget reports whether name is in the conditional edge's declared set.
func (e Edge) hasTarget(name string) bool {
	for _, t := range e.targets {
		if t == name {
			return true
		}
	}
	return false
}
