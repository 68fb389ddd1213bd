package engine

// Status is the scheduler's current phase, surfaced through logs and spans.
type Status string

const (
	// StatusReady means nodes are queued and none are in flight.
	StatusReady Status = "ready"

	// StatusRunning means one or more node invocations are in flight.
	StatusRunning Status = "running"

	// StatusMerging means a fan-out batch has completed and its results
	// are being merged in dispatch order.
	StatusMerging Status = "merging"

	// StatusTerminal means no further edges resolve and nothing is
	// outstanding.
	StatusTerminal Status = "terminal"

	// StatusFailed means an unrecoverable error halted scheduling.
	StatusFailed Status = "failed"
)
