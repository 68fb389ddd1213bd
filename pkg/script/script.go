// Package script runs JavaScript-defined nodes and routers on pooled,
// sandboxed goja runtimes. Scripts see the current state snapshot as a
// global and return the update they want merged, so graph behavior can be
// configured without recompiling.
package script

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/state"
)

// Executor evaluates one compiled script against run state. Safe for
// concurrent use; each invocation acquires its own runtime from the pool.
type Executor struct {
	config *Config
	pool   *VMPool
	poolMu sync.Mutex
}

// NewExecutor creates an executor for the given script configuration
func NewExecutor(config Config) (*Executor, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Executor{config: &config}, nil
}

// Node returns a graph executable backed by this executor's script.
//
// The script sees three globals per invocation: "state" (the snapshot
// fields), "input" (the scoped dispatch overlay is already folded into
// state) and "config" (the run configuration). Its completion value is an
// object: either {update: {...}, dispatches: [{target, input}]} or a plain
// field map treated as the update.
func (e *Executor) Node() graph.Executable {
	return graph.ExecutableFunc(func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		value, err := e.run(ctx, view, cfg)
		if err != nil {
			return nil, err
		}
		return parseNodeResult(value)
	})
}

// Router returns a routing function backed by this executor's script. The
// script's completion value must be the name of the next node.
func (e *Executor) Router() graph.Router {
	return func(view *state.View) (string, error) {
		value, err := e.run(context.Background(), view, nil)
		if err != nil {
			return "", err
		}
		target, ok := value.(string)
		if !ok {
			return "", NewResultError(fmt.Sprintf("router script returned %T, want string", value))
		}
		return target, nil
	}
}

// Close releases the executor's runtime pool
func (e *Executor) Close() error {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	if e.pool != nil {
		return e.pool.Close()
	}
	return nil
}

// PoolStats returns statistics for the underlying runtime pool
func (e *Executor) PoolStats() *PoolStats {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	if e.pool == nil {
		return nil
	}
	stats := e.pool.Stats()
	return &stats
}

// run acquires a runtime, injects the invocation globals and evaluates the
// compiled script with timeout and interrupt handling.
func (e *Executor) run(ctx context.Context, view *state.View, cfg graph.RunConfig) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewInternalError(fmt.Sprintf("panic during execution: %v", r))
		}
	}()

	if err := e.ensurePool(); err != nil {
		return nil, fmt.Errorf("failed to initialize pool: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	vm, err := e.pool.Acquire(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire VM: %w", err)
	}
	defer e.pool.Release(vm)

	done := make(chan struct{})
	var interrupted bool
	var interruptMu sync.Mutex

	go func() {
		select {
		case <-timeoutCtx.Done():
			interruptMu.Lock()
			interrupted = true
			interruptMu.Unlock()
			vm.mu.RLock()
			if vm.vm != nil {
				vm.vm.Interrupt("execution timeout")
			}
			vm.mu.RUnlock()
		case <-done:
		}
	}()
	defer close(done)

	if err := vm.vm.Set("state", view.Map()); err != nil {
		return nil, fmt.Errorf("failed to set state: %w", err)
	}
	if cfg != nil {
		if err := vm.vm.Set("config", map[string]interface{}(cfg)); err != nil {
			return nil, fmt.Errorf("failed to set config: %w", err)
		}
	}

	value, err := vm.vm.RunProgram(vm.program)
	if err != nil {
		interruptMu.Lock()
		wasInterrupted := interrupted
		interruptMu.Unlock()

		if wasInterrupted {
			return nil, NewTimeoutError(e.config.Timeout.String())
		}
		if exc, ok := err.(*goja.Exception); ok {
			return nil, ParseGojaException(exc)
		}
		return nil, WrapError(err)
	}

	return value.Export(), nil
}

// ensurePool lazily builds the runtime pool on first use
func (e *Executor) ensurePool() error {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	if e.pool != nil {
		return nil
	}

	pool, err := NewVMPool(e.config, DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to create VM pool: %w", err)
	}
	e.pool = pool
	return nil
}

// parseNodeResult maps a script completion value onto a node result
func parseNodeResult(value interface{}) (*graph.Result, error) {
	if value == nil {
		return &graph.Result{}, nil
	}

	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil, NewResultError(fmt.Sprintf("node script returned %T, want object", value))
	}

	updateRaw, hasUpdate := obj["update"]
	dispatchesRaw, hasDispatches := obj["dispatches"]

	// A plain object with neither key is the update itself
	if !hasUpdate && !hasDispatches {
		return &graph.Result{Update: obj}, nil
	}

	res := &graph.Result{}

	if hasUpdate && updateRaw != nil {
		update, ok := updateRaw.(map[string]interface{})
		if !ok {
			return nil, NewResultError(fmt.Sprintf("update is %T, want object", updateRaw))
		}
		res.Update = update
	}

	if hasDispatches && dispatchesRaw != nil {
		items, ok := dispatchesRaw.([]interface{})
		if !ok {
			return nil, NewResultError(fmt.Sprintf("dispatches is %T, want array", dispatchesRaw))
		}
		for i, item := range items {
			entry, ok := item.(map[string]interface{})
			if !ok {
				return nil, NewResultError(fmt.Sprintf("dispatch %d is %T, want object", i, item))
			}
			target, _ := entry["target"].(string)
			if target == "" {
				return nil, NewResultError(fmt.Sprintf("dispatch %d has no target", i))
			}
			input, _ := entry["input"].(map[string]interface{})
			res.Dispatches = append(res.Dispatches, graph.Dispatch{Target: target, Input: input})
		}
	}

	return res, nil
}

// Compile checks a script for syntax errors without executing it
func Compile(source string) error {
	_, err := goja.Compile("script", source, false)
	if err != nil {
		if exc, ok := err.(*goja.Exception); ok {
			return ParseGojaException(exc)
		}
		return WrapError(err)
	}
	return nil
}
