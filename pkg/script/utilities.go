package script

import (
	"encoding/base64"
	"fmt"
	stdstrings "strings"
	"sync"

	"github.com/dop251/goja"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Utility defines the interface for script utilities
type Utility interface {
	// Name returns the unique name of the utility
	Name() string

	// Register registers the utility in the VM runtime
	Register(vm *goja.Runtime) error

	// AllowedSecurityLevels returns the security levels that allow this utility
	AllowedSecurityLevels() []string
}

// UtilityRegistry manages available script utilities
type UtilityRegistry struct {
	utilities map[string]Utility
	mu        sync.RWMutex
}

// NewUtilityRegistry creates a new utility registry with built-in utilities
func NewUtilityRegistry() *UtilityRegistry {
	registry := &UtilityRegistry{
		utilities: make(map[string]Utility),
	}

	registry.Register(&ConsoleUtility{maxLogs: 1000})
	registry.Register(&EncodingUtility{})
	registry.Register(&StringsUtility{})

	return registry
}

// Register adds a utility to the registry
func (r *UtilityRegistry) Register(utility Utility) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.utilities[utility.Name()] = utility
}

// RegisterEnabled registers all enabled utilities in the VM
func (r *UtilityRegistry) RegisterEnabled(vm *goja.Runtime, config *Config) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, utilityName := range config.EnabledUtilities {
		utility, ok := r.utilities[utilityName]
		if !ok {
			continue // Skip unknown utilities
		}

		if !r.isAllowedAtLevel(utility, config.SecurityLevel) {
			continue
		}

		if err := utility.Register(vm); err != nil {
			return fmt.Errorf("failed to register utility %s: %w", utilityName, err)
		}
	}

	return nil
}

// isAllowedAtLevel checks if a utility is allowed at the given security level
func (r *UtilityRegistry) isAllowedAtLevel(utility Utility, securityLevel string) bool {
	for _, level := range utility.AllowedSecurityLevels() {
		if level == securityLevel {
			return true
		}
	}
	return false
}

// ConsoleUtility provides console.log and console.error with bounded buffers
type ConsoleUtility struct {
	logs    []string
	mu      sync.Mutex
	maxLogs int
}

func (u *ConsoleUtility) Name() string { return "console" }

func (u *ConsoleUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *ConsoleUtility) Register(vm *goja.Runtime) error {
	console := vm.NewObject()

	record := func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		u.mu.Lock()
		u.logs = append(u.logs, fmt.Sprint(args...))
		if len(u.logs) > u.maxLogs {
			u.logs = u.logs[len(u.logs)-u.maxLogs:]
		}
		u.mu.Unlock()
		return goja.Undefined()
	}

	console.Set("log", record)
	console.Set("error", record)
	console.Set("warn", record)
	console.Set("info", record)

	vm.Set("console", console)
	return nil
}

// Logs returns a copy of buffered log lines
func (u *ConsoleUtility) Logs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.logs))
	copy(out, u.logs)
	return out
}

// EncodingUtility provides btoa and atob for base64 encoding
type EncodingUtility struct{}

func (u *EncodingUtility) Name() string { return "encoding" }

func (u *EncodingUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *EncodingUtility) Register(vm *goja.Runtime) error {
	vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("btoa requires an argument"))
		}
		str := call.Argument(0).String()
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(str)))
	})

	vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("atob requires an argument"))
		}
		str := call.Argument(0).String()
		decoded, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("atob error: %w", err)))
		}
		return vm.ToValue(string(decoded))
	})

	return nil
}

// StringsUtility exposes Unicode-aware string helpers under a strings object
type StringsUtility struct{}

func (u *StringsUtility) Name() string { return "strings" }

func (u *StringsUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *StringsUtility) Register(vm *goja.Runtime) error {
	obj := vm.NewObject()

	arg := func(call goja.FunctionCall) string {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("string argument required"))
		}
		return call.Argument(0).String()
	}

	obj.Set("titleCase", func(call goja.FunctionCall) goja.Value {
		caser := cases.Title(language.English)
		return vm.ToValue(caser.String(arg(call)))
	})

	obj.Set("toUpper", func(call goja.FunctionCall) goja.Value {
		caser := cases.Upper(language.English)
		return vm.ToValue(caser.String(arg(call)))
	})

	obj.Set("toLower", func(call goja.FunctionCall) goja.Value {
		caser := cases.Lower(language.English)
		return vm.ToValue(caser.String(arg(call)))
	})

	obj.Set("trim", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(stdstrings.TrimSpace(arg(call)))
	})

	vm.Set("strings", obj)
	return nil
}
