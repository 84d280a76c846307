// Package buffer provides reference-counted frame buffers backed by a pool.
//
// A Buffer starts with one reference. Every stage that keeps or forwards a
// buffer beyond the call that handed it over must Retain it; every holder
// releases exactly once. The last Release returns the storage to its Pool.
package buffer

import (
	"sync"
	"sync/atomic"
)

// DefaultSize is the initial capacity of pooled buffers.
const DefaultSize = 4 * 1024

// Buffer is a growable byte buffer with reference counting.
type Buffer struct {
	data []byte
	refs atomic.Int32
	pool *Pool
}

// Retain increments the reference count and returns b for chaining.
func (b *Buffer) Retain() *Buffer {
	if b.refs.Add(1) <= 1 {
		panic("buffer: retain of released buffer")
	}
	return b
}

// Release decrements the reference count. It reports whether the buffer
// was returned to its pool.
func (b *Buffer) Release() bool {
	n := b.refs.Add(-1)
	switch {
	case n > 0:
		return false
	case n < 0:
		panic("buffer: release of released buffer")
	}
	if b.pool != nil {
		b.pool.put(b)
	}
	return true
}

// RefCount returns the current reference count.
func (b *Buffer) RefCount() int32 {
	return b.refs.Load()
}

// Bytes returns the readable contents. The slice is valid until the next
// mutation or the final Release.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of readable bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Write appends p.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteByte appends c.
func (b *Buffer) WriteByte(c byte) error {
	b.data = append(b.data, c)
	return nil
}

// Reset empties the buffer but keeps its storage.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// Set replaces the contents with a copy of p.
func (b *Buffer) Set(p []byte) {
	b.data = append(b.data[:0], p...)
}

// Pool hands out Buffers and tracks how many are still referenced.
type Pool struct {
	pool        sync.Pool
	size        int
	outstanding atomic.Int64
}

// NewPool creates a pool whose buffers start with the given capacity.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		return &Buffer{data: make([]byte, 0, size)}
	}
	return p
}

// Get returns an empty buffer holding one reference.
func (p *Pool) Get() *Buffer {
	b := p.pool.Get().(*Buffer)
	b.data = b.data[:0]
	b.refs.Store(1)
	b.pool = p
	p.outstanding.Add(1)
	return b
}

// Copy returns a new buffer holding a copy of src.
func (p *Pool) Copy(src []byte) *Buffer {
	b := p.Get()
	b.data = append(b.data, src...)
	return b
}

// Outstanding returns the number of buffers obtained from the pool that
// have not been fully released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

func (p *Pool) put(b *Buffer) {
	p.outstanding.Add(-1)
	// Oversized buffers are left to the garbage collector.
	if cap(b.data) > 64*p.size {
		return
	}
	b.data = b.data[:0]
	p.pool.Put(b)
}

// ReleaseAll releases every buffer in bufs and returns an empty slice that
// reuses the backing array.
func ReleaseAll(bufs []*Buffer) []*Buffer {
	for _, b := range bufs {
		b.Release()
	}
	return bufs[:0]
}
