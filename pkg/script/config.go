package script

import (
	"fmt"
	"time"
)

// SecurityLevel defines the restrictions applied to script execution
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// Config describes a scripted node or router.
type Config struct {
	// Source is the JavaScript source to execute
	Source string `json:"source"`

	// Timeout is the maximum execution time for one invocation
	Timeout time.Duration `json:"timeout,omitempty"`

	// SecurityLevel defines sandbox restrictions (strict, standard, permissive)
	SecurityLevel string `json:"security_level,omitempty"`

	// EnabledUtilities is a list of utility modules to expose (console, encoding, strings)
	EnabledUtilities []string `json:"enabled_utilities,omitempty"`

	// MaxStackDepth is the maximum call stack depth
	MaxStackDepth int `json:"max_stack_depth,omitempty"`
}

// ApplyDefaults sets default values for configuration fields
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.SecurityLevel == "" {
		c.SecurityLevel = SecurityLevelStandard
	}
	if c.EnabledUtilities == nil {
		c.EnabledUtilities = DefaultUtilitiesByLevel[c.SecurityLevel]
	}
	if c.MaxStackDepth == 0 {
		c.MaxStackDepth = 100
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.SecurityLevel != SecurityLevelStrict &&
		c.SecurityLevel != SecurityLevelStandard &&
		c.SecurityLevel != SecurityLevelPermissive {
		return fmt.Errorf("invalid security level: %s", c.SecurityLevel)
	}
	if c.MaxStackDepth <= 0 {
		return fmt.Errorf("max_stack_depth must be positive")
	}
	return nil
}

// DefaultUtilitiesByLevel defines default utilities for each security level
var DefaultUtilitiesByLevel = map[string][]string{
	SecurityLevelStrict:     {"strings"},
	SecurityLevelStandard:   {"console", "encoding", "strings"},
	SecurityLevelPermissive: {"console", "encoding", "strings"},
}
