package state

import (
	"fmt"
	"reflect"
)

// Reducer merges an existing field value with an incoming one and returns the
// combined value. Reducers must be pure: no side effects, no retained
// references to their inputs. Within one run a field's reducer is applied in
// a stable, well-defined order, so associative reducers produce reproducible
// results regardless of which parallel task finished first.
type Reducer func(existing, incoming interface{}) (interface{}, error)

// Replace is the default reducer: the incoming value wins.
func Replace(existing, incoming interface{}) (interface{}, error) {
	return incoming, nil
}

// Append concatenates the incoming list onto the existing one, preserving
// order. A nil existing value is treated as an empty list. Both values must
// be slices; the result is always a fresh []interface{} so callers never
// alias state-owned backing arrays.
func Append(existing, incoming interface{}) (interface{}, error) {
	base, err := toList(existing)
	if err != nil {
		return nil, fmt.Errorf("append reducer: existing value: %w", err)
	}
	add, err := toList(incoming)
	if err != nil {
		return nil, fmt.Errorf("append reducer: incoming value: %w", err)
	}

	combined := make([]interface{}, 0, len(base)+len(add))
	combined = append(combined, base...)
	combined = append(combined, add...)
	return combined, nil
}

// MergeMaps is a reducer performing a shallow union of two string-keyed maps,
// incoming keys winning on conflict. Useful for accumulating dictionaries
// such as per-source metadata.
func MergeMaps(existing, incoming interface{}) (interface{}, error) {
	base, err := toMap(existing)
	if err != nil {
		return nil, fmt.Errorf("merge-maps reducer: existing value: %w", err)
	}
	add, err := toMap(incoming)
	if err != nil {
		return nil, fmt.Errorf("merge-maps reducer: incoming value: %w", err)
	}

	combined := make(map[string]interface{}, len(base)+len(add))
	for k, v := range base {
		combined[k] = v
	}
	for k, v := range add {
		combined[k] = v
	}
	return combined, nil
}

// toList normalizes any slice value into []interface{}. nil becomes an
// empty list.
func toList(value interface{}) ([]interface{}, error) {
	if value == nil {
		return nil, nil
	}
	if l, ok := value.([]interface{}); ok {
		return l, nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("expected a list, got %T", value)
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// toMap normalizes a string-keyed map value into map[string]interface{}.
// nil becomes an empty map.
func toMap(value interface{}) (map[string]interface{}, error) {
	if value == nil {
		return nil, nil
	}
	if m, ok := value.(map[string]interface{}); ok {
		return m, nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("expected a string-keyed map, got %T", value)
	}
	out := make(map[string]interface{}, rv.Len())
	for _, key := range rv.MapKeys() {
		out[key.String()] = rv.MapIndex(key).Interface()
	}
	return out, nil
}
