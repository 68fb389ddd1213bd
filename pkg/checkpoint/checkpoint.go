// Package checkpoint defines the persistence extension point of the engine:
// a hook invoked after every successful merge with the run id, step number
// and a snapshot of the state. The core engine depends only on the Hook
// interface; this package also ships layered implementations for memory,
// NATS JetStream and Azure Blob Storage.
package checkpoint

import (
	"context"
	"time"
)

// Snapshot is the state of a run as of one successful merge.
type Snapshot struct {
	// RunID identifies the run being checkpointed.
	RunID string `json:"run_id"`

	// Step is the number of node completions merged so far.
	Step int `json:"step"`

	// Version is the state container's version counter.
	Version uint64 `json:"version"`

	// Fields is a copy of the state fields at this point.
	Fields map[string]interface{} `json:"fields"`

	// At is the wall-clock time the snapshot was taken.
	At time.Time `json:"at"`
}

// Hook receives a snapshot after every successful merge of a run. A hook
// error fails the run: callers that layer persistence on the engine rely on
// every returned state having been checkpointed.
type Hook interface {
	Checkpoint(ctx context.Context, snap Snapshot) error
}

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx context.Context, snap Snapshot) error

// Checkpoint implements Hook.
func (f HookFunc) Checkpoint(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

// Multi fans a snapshot out to several hooks in order, stopping at the
// first failure.
func Multi(hooks ...Hook) Hook {
	return HookFunc(func(ctx context.Context, snap Snapshot) error {
		for _, h := range hooks {
			if err := h.Checkpoint(ctx, snap); err != nil {
				return err
			}
		}
		return nil
	})
}
