package core

import (
	"bytes"
	"sync"
)

// GenericPool is a generic wrapper around sync.Pool
type GenericPool[T any] struct {
	pool sync.Pool
}

// NewGenericPool creates a new GenericPool with a function to create new items.
func NewGenericPool[T any](newItem func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an item to the pool.
func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}

// DefaultEncodeBufferSize is the starting capacity of pooled encode buffers.
const DefaultEncodeBufferSize = 32 * 1024

// maxPooledBufferSize keeps a single huge snapshot from pinning memory in the pool.
const maxPooledBufferSize = 8 * 1024 * 1024

type bufferPool struct {
	pool *GenericPool[*bytes.Buffer]
}

// BufferPool holds scratch buffers for encoding delta and snapshot payloads.
var BufferPool = &bufferPool{
	pool: NewGenericPool(func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, DefaultEncodeBufferSize))
	}),
}

// Get retrieves an empty buffer from the pool.
func (bp *bufferPool) Get() *bytes.Buffer {
	return bp.pool.Get()
}

// Put returns a buffer to the pool. Oversized buffers are dropped.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	bp.pool.Put(buf)
}
