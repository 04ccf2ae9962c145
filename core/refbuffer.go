// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sync/atomic"
)

// RefCountedBuffer holds an entry payload behind an atomic reference count.
// A buffer starts with a count of 1. Retain increments the count, Release
// decrements it, and the release that drops the count to zero returns the
// buffer to its pool. Sharing a payload between the dispatch path and a
// consumer's send path is a Retain, not a copy.
type RefCountedBuffer struct {
	data     []byte
	refCount atomic.Int32
	pool     *BufferPool
}

// NewRefCountedBuffer wraps data in a buffer with a reference count of 1.
func NewRefCountedBuffer(data []byte, pool *BufferPool) *RefCountedBuffer {
	buf := &RefCountedBuffer{
		data: data,
		pool: pool,
	}
	buf.refCount.Store(1)
	return buf
}

// Bytes returns the underlying byte slice. The slice must not be modified
// once the buffer has been shared.
func (r *RefCountedBuffer) Bytes() []byte {
	if r == nil {
		return nil
	}
	return r.data
}

// Len returns the payload length.
func (r *RefCountedBuffer) Len() int {
	if r == nil {
		return 0
	}
	return len(r.data)
}

// Retain increments the reference count. Must be called before handing the
// buffer to another goroutine.
func (r *RefCountedBuffer) Retain() {
	if r == nil {
		return
	}
	r.refCount.Add(1)
}

// Release decrements the reference count. Every holder must release exactly
// once; the holder that observes zero returns the buffer to the pool.
func (r *RefCountedBuffer) Release() {
	if r == nil {
		return
	}

	newCount := r.refCount.Add(-1)
	if newCount == 0 {
		if r.pool != nil {
			r.pool.put(r)
		}
	} else if newCount < 0 {
		panic("core: RefCountedBuffer released more times than retained")
	}
}

// RefCount returns the current reference count. Intended for tests.
func (r *RefCountedBuffer) RefCount() int32 {
	if r == nil {
		return 0
	}
	return r.refCount.Load()
}

// Buffer size classes. Payloads above the large class are never pooled.
const (
	smallBufferSize  = 1 << 10 // 1KB
	mediumBufferSize = 1 << 16 // 64KB
	largeBufferSize  = 1 << 20 // 1MB
)

// BufferPool recycles RefCountedBuffers across dispatch rounds. Buffers are
// grouped into three size classes; a full class simply drops the buffer and
// lets the GC reclaim it.
type BufferPool struct {
	small  chan *RefCountedBuffer
	medium chan *RefCountedBuffer
	large  chan *RefCountedBuffer
}

// NewBufferPool creates a pool with the given capacity per size class.
func NewBufferPool(perClass int) *BufferPool {
	return &BufferPool{
		small:  make(chan *RefCountedBuffer, perClass),
		medium: make(chan *RefCountedBuffer, perClass),
		large:  make(chan *RefCountedBuffer, perClass),
	}
}

// Get returns a buffer of the requested length with a reference count of 1,
// reusing a pooled buffer when one is available.
func (p *BufferPool) Get(size int) *RefCountedBuffer {
	class, capacity := p.class(size)
	if class == nil {
		return NewRefCountedBuffer(make([]byte, size), p)
	}

	select {
	case buf := <-class:
		buf.data = buf.data[:size]
		buf.refCount.Store(1)
		return buf
	default:
		return NewRefCountedBuffer(make([]byte, size, capacity), p)
	}
}

// GetWithData returns a pooled buffer containing a copy of data.
func (p *BufferPool) GetWithData(data []byte) *RefCountedBuffer {
	buf := p.Get(len(data))
	copy(buf.data, data)
	return buf
}

func (p *BufferPool) put(buf *RefCountedBuffer) {
	class, capacity := p.class(cap(buf.data))
	// Only full-capacity buffers are reusable: Get reslices a pooled
	// buffer up to its class size.
	if class == nil || cap(buf.data) < capacity {
		return
	}

	select {
	case class <- buf:
	default:
		// Class full; let the GC take it.
	}
}

func (p *BufferPool) class(size int) (chan *RefCountedBuffer, int) {
	switch {
	case size <= smallBufferSize:
		return p.small, smallBufferSize
	case size <= mediumBufferSize:
		return p.medium, mediumBufferSize
	case size <= largeBufferSize:
		return p.large, largeBufferSize
	default:
		return nil, 0
	}
}
