package script

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// VMPool manages a pool of reusable JavaScript runtimes prepared with the
// sandbox and utilities for one script configuration.
type VMPool struct {
	pool          chan *pooledVM
	utilRegistry  *UtilityRegistry
	config        *Config
	minSize       int
	maxSize       int
	maxReuseCount int
	currentSize   int32
	totalCreated  int64
	totalAcquired int64
	mu            sync.Mutex
	closed        bool
}

// pooledVM is a runtime instance tracked by the pool
type pooledVM struct {
	vm         *goja.Runtime
	program    *goja.Program
	createdAt  time.Time
	lastUsedAt time.Time
	reuseCount int
	mu         sync.RWMutex // Protects vm for safe interrupt from another goroutine
}

// PoolConfig defines the sizing of a VM pool
type PoolConfig struct {
	MinSize       int // VMs pre-created at construction
	MaxSize       int // Maximum live VMs
	MaxReuseCount int // Invocations before a VM is recreated
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:       2,
		MaxSize:       16,
		MaxReuseCount: 1000,
	}
}

// NewVMPool creates a new VM pool. The script is compiled once and shared
// across all runtimes.
func NewVMPool(config *Config, poolConfig PoolConfig) (*VMPool, error) {
	if poolConfig.MinSize < 0 {
		poolConfig.MinSize = 0
	}
	if poolConfig.MaxSize <= 0 {
		poolConfig.MaxSize = DefaultPoolConfig().MaxSize
	}
	if poolConfig.MinSize > poolConfig.MaxSize {
		poolConfig.MinSize = poolConfig.MaxSize
	}
	if poolConfig.MaxReuseCount <= 0 {
		poolConfig.MaxReuseCount = DefaultPoolConfig().MaxReuseCount
	}

	p := &VMPool{
		pool:          make(chan *pooledVM, poolConfig.MaxSize),
		utilRegistry:  NewUtilityRegistry(),
		config:        config,
		minSize:       poolConfig.MinSize,
		maxSize:       poolConfig.MaxSize,
		maxReuseCount: poolConfig.MaxReuseCount,
	}

	for i := 0; i < poolConfig.MinSize; i++ {
		vm, err := p.createVM()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to create initial VM: %w", err)
		}
		p.pool <- vm
	}

	return p, nil
}

// Acquire gets a runtime from the pool or creates a new one
func (p *VMPool) Acquire(ctx context.Context) (*pooledVM, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is closed")
	}
	p.mu.Unlock()

	atomic.AddInt64(&p.totalAcquired, 1)

	select {
	case vm, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		return p.refresh(vm)
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if int(atomic.LoadInt32(&p.currentSize)) < p.maxSize {
		return p.createVM()
	}

	// At capacity, wait for a release
	select {
	case vm, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		return p.refresh(vm)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refresh validates a pooled runtime before handing it out, replacing it
// when it is destroyed, unhealthy or past its reuse budget.
func (p *VMPool) refresh(vm *pooledVM) (*pooledVM, error) {
	if vm == nil || vm.vm == nil || !p.isVMHealthy(vm) || vm.reuseCount >= p.maxReuseCount {
		if vm != nil {
			p.destroyVM(vm)
		}
		return p.createVM()
	}

	vm.lastUsedAt = time.Now()
	vm.reuseCount++
	return vm, nil
}

// Release returns a runtime to the pool
func (p *VMPool) Release(vm *pooledVM) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyVM(vm)
		return
	}
	p.mu.Unlock()

	if err := p.resetVM(vm); err != nil {
		p.destroyVM(vm)
		return
	}

	select {
	case p.pool <- vm:
	default:
		// Pool is full, drop this VM
		p.destroyVM(vm)
	}
}

func (p *VMPool) createVM() (*pooledVM, error) {
	vm := goja.New()

	if err := CreateSecureContext(vm, p.config); err != nil {
		return nil, fmt.Errorf("failed to create secure context: %w", err)
	}
	if err := p.utilRegistry.RegisterEnabled(vm, p.config); err != nil {
		return nil, fmt.Errorf("failed to register utilities: %w", err)
	}

	program, err := goja.Compile("script", p.config.Source, false)
	if err != nil {
		if exc, ok := err.(*goja.Exception); ok {
			return nil, ParseGojaException(exc)
		}
		return nil, WrapError(err)
	}

	pvm := &pooledVM{
		vm:         vm,
		program:    program,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}

	atomic.AddInt32(&p.currentSize, 1)
	atomic.AddInt64(&p.totalCreated, 1)
	return pvm, nil
}

// resetVM clears non-builtin globals so state does not leak between runs
func (p *VMPool) resetVM(vm *pooledVM) error {
	resetScript := `
		(function() {
			var globals = Object.getOwnPropertyNames(this);
			var builtins = [
				'Object', 'Array', 'Function', 'String', 'Number', 'Boolean',
				'Date', 'RegExp', 'Error', 'Math', 'JSON', 'console',
				'parseInt', 'parseFloat', 'isNaN', 'isFinite',
				'decodeURI', 'decodeURIComponent', 'encodeURI', 'encodeURIComponent',
				'undefined', 'NaN', 'Infinity', 'eval',
				'btoa', 'atob', 'strings'
			];

			for (var i = 0; i < globals.length; i++) {
				var prop = globals[i];
				if (builtins.indexOf(prop) === -1) {
					try {
						delete this[prop];
					} catch (e) {
						// Property might not be deletable
					}
				}
			}
		})()
	`

	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.vm == nil {
		return nil
	}
	if _, err := vm.vm.RunString(resetScript); err != nil {
		return fmt.Errorf("failed to run reset script: %w", err)
	}
	return nil
}

func (p *VMPool) destroyVM(vm *pooledVM) {
	if vm == nil {
		return
	}
	vm.mu.Lock()
	vm.vm = nil
	vm.mu.Unlock()
	atomic.AddInt32(&p.currentSize, -1)
}

// isVMHealthy evaluates a trivial expression to confirm the runtime works
func (p *VMPool) isVMHealthy(vm *pooledVM) bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.vm == nil {
		return false
	}
	_, err := vm.vm.RunString("1+1")
	return err == nil
}

// Close closes the pool and destroys all runtimes
func (p *VMPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.pool)

	for vm := range p.pool {
		p.destroyVM(vm)
	}
	return nil
}

// Stats returns pool statistics
func (p *VMPool) Stats() PoolStats {
	return PoolStats{
		CurrentSize:   int(atomic.LoadInt32(&p.currentSize)),
		MinSize:       p.minSize,
		MaxSize:       p.maxSize,
		TotalCreated:  atomic.LoadInt64(&p.totalCreated),
		TotalAcquired: atomic.LoadInt64(&p.totalAcquired),
		Available:     len(p.pool),
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	CurrentSize   int   `json:"current_size"`
	MinSize       int   `json:"min_size"`
	MaxSize       int   `json:"max_size"`
	TotalCreated  int64 `json:"total_created"`
	TotalAcquired int64 `json:"total_acquired"`
	Available     int   `json:"available"`
}

// String returns a string representation of the stats
func (s PoolStats) String() string {
	return fmt.Sprintf(
		"Pool Stats: Current=%d, Min=%d, Max=%d, Created=%d, Acquired=%d, Available=%d",
		s.CurrentSize, s.MinSize, s.MaxSize, s.TotalCreated, s.TotalAcquired, s.Available,
	)
}
