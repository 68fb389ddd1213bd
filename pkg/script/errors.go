package script

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// ErrorType categorizes script execution failures
type ErrorType string

const (
	ErrorTypeSyntax   ErrorType = "syntax_error"
	ErrorTypeRuntime  ErrorType = "runtime_error"
	ErrorTypeTimeout  ErrorType = "timeout_error"
	ErrorTypeSecurity ErrorType = "security_error"
	ErrorTypeResult   ErrorType = "result_error"
	ErrorTypeInternal ErrorType = "internal_error"
)

// ScriptError represents a structured script execution error
type ScriptError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

// Error implements the error interface
func (e *ScriptError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("[%s] %s\n%s", e.Type, e.Message, e.Stack)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// ParseGojaException converts a goja exception into a structured ScriptError
func ParseGojaException(exc *goja.Exception) *ScriptError {
	if exc == nil {
		return &ScriptError{Type: ErrorTypeInternal, Message: "unknown error"}
	}

	scriptErr := &ScriptError{
		Type:    ErrorTypeRuntime,
		Message: exc.Error(),
	}

	if exc.Value() != nil {
		vm := goja.New()
		obj := exc.Value().ToObject(vm)
		if stack := obj.Get("stack"); stack != nil && stack != goja.Undefined() {
			scriptErr.Stack = strings.TrimSpace(stack.String())
		}
	}

	// Categorize by message
	msg := strings.ToLower(scriptErr.Message)
	switch {
	case strings.Contains(msg, "syntax"):
		scriptErr.Type = ErrorTypeSyntax
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "interrupted"):
		scriptErr.Type = ErrorTypeTimeout
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "not allowed"):
		scriptErr.Type = ErrorTypeSecurity
	}

	return scriptErr
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(timeout string) *ScriptError {
	return &ScriptError{
		Type:    ErrorTypeTimeout,
		Message: fmt.Sprintf("execution timeout after %s", timeout),
	}
}

// NewSecurityError creates a new security error
func NewSecurityError(message string) *ScriptError {
	return &ScriptError{
		Type:    ErrorTypeSecurity,
		Message: message,
	}
}

// NewResultError reports a script that returned a value the engine cannot use
func NewResultError(message string) *ScriptError {
	return &ScriptError{
		Type:    ErrorTypeResult,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string) *ScriptError {
	return &ScriptError{
		Type:    ErrorTypeInternal,
		Message: message,
	}
}

// WrapError wraps a regular error as an internal error
func WrapError(err error) *ScriptError {
	if err == nil {
		return nil
	}
	if scriptErr, ok := err.(*ScriptError); ok {
		return scriptErr
	}
	return &ScriptError{
		Type:    ErrorTypeInternal,
		Message: err.Error(),
	}
}
