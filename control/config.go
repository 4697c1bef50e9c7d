// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration store with snapshot reads and hot-reload propagation.

package control

import (
	"sync"
	"sync/atomic"
)

// ConfigStore holds the live value of a configuration struct. Readers get a
// consistent snapshot without locking; writers notify registered listeners.
type ConfigStore[T any] struct {
	current atomic.Pointer[T]

	mu        sync.RWMutex
	listeners []func(old, cur T)
}

// NewConfigStore initializes a store with the initial value.
func NewConfigStore[T any](initial T) *ConfigStore[T] {
	cs := &ConfigStore[T]{}
	cs.current.Store(&initial)
	return cs
}

// Snapshot returns the current value.
func (cs *ConfigStore[T]) Snapshot() T {
	return *cs.current.Load()
}

// Update replaces the value and synchronously invokes listeners in
// registration order.
func (cs *ConfigStore[T]) Update(cur T) {
	old := cs.current.Swap(&cur)
	cs.mu.RLock()
	listeners := append([]func(old, cur T){}, cs.listeners...)
	cs.mu.RUnlock()
	for _, fn := range listeners {
		fn(*old, cur)
	}
}

// OnReload registers a listener hook called on every Update.
func (cs *ConfigStore[T]) OnReload(fn func(old, cur T)) {
	cs.mu.Lock()
	cs.listeners = append(cs.listeners, fn)
	cs.mu.Unlock()
}
