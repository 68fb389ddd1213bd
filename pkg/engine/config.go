package engine

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
)

// Config holds the execution limits and sizing for an engine. Zero values
// are filled in by Validate, so Config{} is usable as-is.
type Config struct {
	// MaxSteps caps the number of node completions in one run, guarding
	// against routing bugs that would otherwise loop forever. Zero means
	// the default; negative disables the limit.
	MaxSteps int

	// RunTimeout bounds a whole run. Zero means no per-run deadline.
	RunTimeout time.Duration

	// NodeTimeout bounds a single node invocation. Zero means no
	// per-node deadline.
	NodeTimeout time.Duration

	// BatchWorkers is the number of worker goroutines draining one
	// fan-out batch. Zero means the environment-derived default.
	BatchWorkers int
}

// DefaultMaxSteps is the step limit applied when Config.MaxSteps is zero.
const DefaultMaxSteps = 250

// DefaultConfig returns a config with environment-derived concurrency
// defaults and the standard step limit.
func DefaultConfig() Config {
	cc := concurrency.LoadConfig()
	return Config{
		MaxSteps:     DefaultMaxSteps,
		BatchWorkers: cc.BatchWorkers,
	}
}

// Validate fills in defaults for unset values.
func (c *Config) Validate() {
	if c.MaxSteps == 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.BatchWorkers <= 0 {
		c.BatchWorkers = concurrency.LoadConfig().BatchWorkers
	}
}

// stepLimit returns the effective step cap, or 0 when unlimited.
func (c Config) stepLimit() int {
	if c.MaxSteps < 0 {
		return 0
	}
	return c.MaxSteps
}
