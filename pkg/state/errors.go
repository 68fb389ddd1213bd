package state

import (
	"errors"
	"fmt"
)

// Common errors used throughout the state package.
var (
	// ErrNilSchema is returned when a state is created without a schema.
	ErrNilSchema = errors.New("schema cannot be nil")

	// ErrUnknownField is the sentinel wrapped by UnknownFieldError.
	ErrUnknownField = errors.New("unknown state field")

	// ErrTypeMismatch is the sentinel wrapped by TypeMismatchError.
	ErrTypeMismatch = errors.New("state field type mismatch")
)

// UnknownFieldError reports a merge that referenced a field absent from the
// declared schema. The merge that produced it is rejected as a whole.
type UnknownFieldError struct {
	// Field is the undeclared field name.
	Field string
}

// Error implements the error interface.
func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown state field %q", e.Field)
}

// Unwrap returns the sentinel so errors.Is(err, ErrUnknownField) works.
func (e *UnknownFieldError) Unwrap() error {
	return ErrUnknownField
}

// TypeMismatchError reports an incoming value whose type does not match the
// field's declared kind. The merge that produced it is rejected as a whole.
type TypeMismatchError struct {
	// Field is the field being merged.
	Field string
	// Kind is the declared kind of the field.
	Kind Kind
	// Value is the offending incoming value.
	Value interface{}
}

// Error implements the error interface.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("field %q expects kind %s, got %T", e.Field, e.Kind, e.Value)
}

// Unwrap returns the sentinel so errors.Is(err, ErrTypeMismatch) works.
func (e *TypeMismatchError) Unwrap() error {
	return ErrTypeMismatch
}

// ReducerError reports a reducer that failed while combining values.
type ReducerError struct {
	// Field is the field whose reducer failed.
	Field string
	// Cause is the error returned by the reducer.
	Cause error
}

// Error implements the error interface.
func (e *ReducerError) Error() string {
	return fmt.Sprintf("reducer for field %q failed: %v", e.Field, e.Cause)
}

// Unwrap returns the underlying reducer error.
func (e *ReducerError) Unwrap() error {
	return e.Cause
}
