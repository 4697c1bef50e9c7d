// File: pool/objpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync"
	"sync/atomic"
)

// ObjectPool is a typed free list.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool is a typed sync.Pool that counts how many objects it had to
// create, which shows whether recycling actually happens.
type SyncPool[T any] struct {
	pool      sync.Pool
	allocated atomic.Int64
}

var _ ObjectPool[*[]byte] = (*SyncPool[*[]byte])(nil)

// NewSyncPool creates a pool that calls creator when it runs empty.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	sp := &SyncPool[T]{}
	sp.pool.New = func() any {
		sp.allocated.Add(1)
		return creator()
	}
	return sp
}

func (sp *SyncPool[T]) Get() T { return sp.pool.Get().(T) }

func (sp *SyncPool[T]) Put(obj T) { sp.pool.Put(obj) }

// Allocated returns the number of objects created so far.
func (sp *SyncPool[T]) Allocated() int64 { return sp.allocated.Load() }
