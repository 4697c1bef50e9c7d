package pool

import "sync"

var pools sync.Map // size -> *BytePool

// ForSize returns the process-wide BytePool for buffers of size bytes, so all
// connections with the same read buffer size share one pool.
func ForSize(size int) *BytePool {
	if p, ok := pools.Load(size); ok {
		return p.(*BytePool)
	}
	p, _ := pools.LoadOrStore(size, NewBytePool(size))
	return p.(*BytePool)
}
