package checkpoint

import (
	"context"
	"sync"
)

// Memory is an in-process checkpoint store, mainly for tests and
// diagnostics. It keeps every snapshot per run in arrival order.
type Memory struct {
	mu   sync.RWMutex
	runs map[string][]Snapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string][]Snapshot)}
}

// Checkpoint implements Hook.
func (m *Memory) Checkpoint(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[snap.RunID] = append(m.runs[snap.RunID], snap)
	return nil
}

// List returns the snapshots recorded for a run, oldest first.
func (m *Memory) List(runID string) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.runs[runID]
	out := make([]Snapshot, len(snaps))
	copy(out, snaps)
	return out
}

// RunIDs returns the ids of all runs with at least one snapshot.
func (m *Memory) RunIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.runs))
	for id := range m.runs {
		out = append(out, id)
	}
	return out
}

// Latest returns the most recent snapshot for a run.
func (m *Memory) Latest(runID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.runs[runID]
	if len(snaps) == 0 {
		return Snapshot{}, false
	}
	return snaps[len(snaps)-1], true
}
