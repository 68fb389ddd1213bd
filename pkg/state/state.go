package state

import (
	"sort"
	"sync"
)

// State is the evolving shared state of a single workflow run. It is owned
// exclusively by that run: only the run's scheduler merges into it, and node
// code receives read-only Views. The version counter increments on every
// applied update and exists for observability, not correctness.
type State struct {
	schema  *Schema
	mu      sync.RWMutex
	values  map[string]interface{}
	version uint64
}

// New creates a state bound to the given schema, seeded with the initial
// values. Initial values are validated against the schema the same way a
// merge would be, but are stored directly without invoking reducers.
func New(schema *Schema, initial map[string]interface{}) (*State, error) {
	if schema == nil {
		return nil, ErrNilSchema
	}

	values := make(map[string]interface{}, schema.Len())
	for name, value := range initial {
		spec, ok := schema.Field(name)
		if !ok {
			return nil, &UnknownFieldError{Field: name}
		}
		if !checkKind(spec.Kind, value) {
			return nil, &TypeMismatchError{Field: name, Kind: spec.Kind, Value: value}
		}
		values[name] = value
	}

	return &State{schema: schema, values: values}, nil
}

// Schema returns the schema this state is bound to.
func (st *State) Schema() *Schema {
	return st.schema
}

// Get returns the current value of a field and whether it has been set.
func (st *State) Get(field string) (interface{}, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := st.values[field]
	return v, ok
}

// Version returns the number of updates applied so far.
func (st *State) Version() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.version
}

// Merge applies a single partial update through the field reducers. The merge
// is all-or-nothing: every field is validated and reduced against a working
// copy first, and the state is only touched once the whole update succeeded.
func (st *State) Merge(update map[string]interface{}) error {
	return st.MergeAll([]map[string]interface{}{update})
}

// MergeAll applies a sequence of partial updates in the given order, which
// for a fan-out batch is the dispatch order of the originating tasks. Like
// Merge it is all-or-nothing across the entire sequence: if any field of any
// update fails validation or reduction, no update is retained.
func (st *State) MergeAll(updates []map[string]interface{}) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	// Reduce into a scratch overlay so a failure leaves the state untouched.
	scratch := make(map[string]interface{})
	applied := 0

	for _, update := range updates {
		if len(update) == 0 {
			continue
		}
		for _, field := range sortedFields(update) {
			incoming := update[field]
			spec, ok := st.schema.Field(field)
			if !ok {
				return &UnknownFieldError{Field: field}
			}
			if !checkKind(spec.Kind, incoming) {
				return &TypeMismatchError{Field: field, Kind: spec.Kind, Value: incoming}
			}

			existing, seen := scratch[field]
			if !seen {
				existing = st.values[field]
			}
			combined, err := spec.Reducer(existing, incoming)
			if err != nil {
				return &ReducerError{Field: field, Cause: err}
			}
			if !checkKind(spec.Kind, combined) {
				return &TypeMismatchError{Field: field, Kind: spec.Kind, Value: combined}
			}
			scratch[field] = combined
		}
		applied++
	}

	for field, value := range scratch {
		st.values[field] = value
	}
	st.version += uint64(applied)
	return nil
}

// Snapshot returns an immutable view of the current state. The view holds
// its own copy of the field map, so later merges never show through it.
func (st *State) Snapshot() *View {
	st.mu.RLock()
	defer st.mu.RUnlock()

	values := make(map[string]interface{}, len(st.values))
	for k, v := range st.values {
		values[k] = v
	}
	return &View{values: values, version: st.version}
}

// sortedFields returns the update's field names in a stable order so that
// validation failures and reducer application are deterministic regardless
// of map iteration order.
func sortedFields(update map[string]interface{}) []string {
	fields := make([]string, 0, len(update))
	for f := range update {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// View is a read-only snapshot of a run's state at a particular version.
// Views are what node executables and routing functions receive; they can be
// overlaid with task-scoped input for fan-out dispatches.
type View struct {
	values  map[string]interface{}
	version uint64
}

// Get returns the value of a field and whether it is present.
func (v *View) Get(field string) (interface{}, bool) {
	val, ok := v.values[field]
	return val, ok
}

// Version returns the state version this view was taken at.
func (v *View) Version() uint64 {
	return v.version
}

// Map returns a copy of the view's fields.
func (v *View) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// Overlay returns a new view with the given fields layered on top of this
// one. It is how a fan-out task receives its scoped input: the shared
// pre-dispatch snapshot plus the fields carried by its dispatch request.
// The receiver is not modified.
func (v *View) Overlay(fields map[string]interface{}) *View {
	if len(fields) == 0 {
		return v
	}
	values := make(map[string]interface{}, len(v.values)+len(fields))
	for k, val := range v.values {
		values[k] = val
	}
	for k, val := range fields {
		values[k] = val
	}
	return &View{values: values, version: v.version}
}
