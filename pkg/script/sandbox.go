package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// Sandbox manages security restrictions for script execution
type Sandbox struct {
	securityLevel string
	maxStackDepth int
}

// NewSandbox creates a new sandbox with the given configuration
func NewSandbox(config *Config) *Sandbox {
	return &Sandbox{
		securityLevel: config.SecurityLevel,
		maxStackDepth: config.MaxStackDepth,
	}
}

// Apply applies sandbox restrictions to a VM runtime
func (s *Sandbox) Apply(vm *goja.Runtime) error {
	if err := s.removeDangerousGlobals(vm); err != nil {
		return fmt.Errorf("failed to remove dangerous globals: %w", err)
	}
	if err := s.freezeBuiltins(vm); err != nil {
		return fmt.Errorf("failed to freeze built-ins: %w", err)
	}
	if s.maxStackDepth > 0 {
		vm.SetMaxCallStackSize(s.maxStackDepth)
	}
	return nil
}

// removeDangerousGlobals removes or restricts dangerous global objects
func (s *Sandbox) removeDangerousGlobals(vm *goja.Runtime) error {
	dangerousGlobals := []string{
		"require",        // Node.js require
		"module",         // Node.js module
		"exports",        // Node.js exports
		"process",        // Node.js process
		"global",         // Node.js global
		"__dirname",      // Node.js __dirname
		"__filename",     // Node.js __filename
		"Buffer",         // Node.js Buffer
		"setImmediate",   // Node.js setImmediate
		"clearImmediate", // Node.js clearImmediate
	}

	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if s.securityLevel == SecurityLevelStrict {
		if err := s.restrictEval(vm); err != nil {
			return err
		}
	}

	return nil
}

// restrictEval replaces eval with a version that throws
func (s *Sandbox) restrictEval(vm *goja.Runtime) error {
	restrictedEval := func(call goja.FunctionCall) goja.Value {
		panic(vm.NewGoError(NewSecurityError("eval is not allowed in strict security mode")))
	}
	return vm.Set("eval", restrictedEval)
}

// freezeBuiltins freezes built-in objects to prevent modification
func (s *Sandbox) freezeBuiltins(vm *goja.Runtime) error {
	if s.securityLevel == SecurityLevelPermissive {
		return nil
	}

	builtins := []string{
		"Object", "Array", "Function", "String", "Number",
		"Boolean", "Date", "RegExp", "Error", "Math",
	}

	freezeScript := `
		(function() {
			function freezeObject(obj) {
				if (obj && typeof obj === 'object') {
					Object.freeze(obj);
					if (obj.prototype) {
						Object.freeze(obj.prototype);
					}
				}
			}
			return freezeObject;
		})()
	`

	val, err := vm.RunString(freezeScript)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}

	freezeFn, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}

	for _, name := range builtins {
		obj := vm.Get(name)
		if obj != nil && obj != goja.Undefined() {
			if _, err := freezeFn(goja.Undefined(), obj); err != nil {
				// Non-fatal, continue
				continue
			}
		}
	}

	return nil
}

// CreateSecureContext applies the full sandbox setup to a fresh runtime
func CreateSecureContext(vm *goja.Runtime, config *Config) error {
	return NewSandbox(config).Apply(vm)
}
