// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

// BytePool hands out fixed-size read buffers. Buffers are recycled through a
// sync.Pool, so a reconnecting client does not allocate a new one every time.
type BytePool struct {
	size int
	pool *SyncPool[*[]byte]
}

// NewBytePool creates a pool of buffers of exactly size bytes.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: NewSyncPool(func() *[]byte {
			b := make([]byte, size)
			return &b
		}),
	}
}

// Size returns the length of buffers handed out by the pool.
func (b *BytePool) Size() int { return b.size }

// GetBuffer returns a buffer from the pool.
func (b *BytePool) GetBuffer() []byte {
	return *b.pool.Get()
}

// PutBuffer returns a buffer to the pool. Buffers of a foreign size are
// left to the GC.
func (b *BytePool) PutBuffer(buf []byte) {
	if cap(buf) < b.size {
		return
	}
	buf = buf[:b.size]
	b.pool.Put(&buf)
}

// Allocated returns how many buffers the pool has created.
func (b *BytePool) Allocated() int64 { return b.pool.Allocated() }
