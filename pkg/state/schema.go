// Package state provides the typed, versioned state container shared by all
// nodes of a workflow run, together with the field-level reducers that merge
// partial updates into it. All mutation goes through Merge; node code only
// ever sees read-only views.
package state

import (
	"fmt"
	"reflect"
)

// Kind identifies the declared type of a state field.
type Kind string

const (
	// KindString accepts string values.
	KindString Kind = "string"

	// KindNumber accepts any Go integer or float value.
	KindNumber Kind = "number"

	// KindBool accepts boolean values.
	KindBool Kind = "bool"

	// KindList accepts slice values. Required for the Append reducer.
	KindList Kind = "list"

	// KindMap accepts map values keyed by string.
	KindMap Kind = "map"

	// KindAny accepts any value.
	KindAny Kind = "any"
)

// FieldSpec declares a single state field: its name, its kind and the
// reducer used to merge incoming values into it. A nil Reducer means
// Replace (last write wins).
type FieldSpec struct {
	Name    string
	Kind    Kind
	Reducer Reducer
}

// Schema is the ordered set of field declarations for a workflow state.
// It is immutable once built and may be shared by any number of runs.
type Schema struct {
	fields map[string]FieldSpec
	order  []string
}

// NewSchema builds a schema from the given field specs. Field order is
// preserved and used for deterministic iteration. Duplicate or unnamed
// fields are rejected.
func NewSchema(fields ...FieldSpec) (*Schema, error) {
	s := &Schema{
		fields: make(map[string]FieldSpec, len(fields)),
		order:  make([]string, 0, len(fields)),
	}

	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema field name cannot be empty")
		}
		if _, exists := s.fields[f.Name]; exists {
			return nil, fmt.Errorf("duplicate schema field %q", f.Name)
		}
		if f.Kind == "" {
			f.Kind = KindAny
		}
		if f.Reducer == nil {
			f.Reducer = Replace
		}
		if err := validateKind(f.Kind); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		s.fields[f.Name] = f
		s.order = append(s.order, f.Name)
	}

	return s, nil
}

// Field returns the FieldSpec for a declared field.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// Names returns the declared field names in declaration order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of declared fields.
func (s *Schema) Len() int {
	return len(s.order)
}

// validateKind checks that a kind is one of the supported values.
func validateKind(k Kind) error {
	switch k {
	case KindString, KindNumber, KindBool, KindList, KindMap, KindAny:
		return nil
	}
	return fmt.Errorf("unsupported field kind %q", k)
}

// checkKind validates an incoming value against a declared kind.
// nil values are accepted for every kind; they mean "no value yet".
func checkKind(k Kind, value interface{}) bool {
	if value == nil || k == KindAny {
		return true
	}

	switch k {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindNumber:
		switch value.(type) {
		case int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			return true
		}
		return false
	case KindList:
		return reflect.TypeOf(value).Kind() == reflect.Slice
	case KindMap:
		t := reflect.TypeOf(value)
		return t.Kind() == reflect.Map && t.Key().Kind() == reflect.String
	}

	return false
}
