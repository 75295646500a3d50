package queue

import "sync"

// Work buffers for FB queues come from size-bucketed pools so that queues
// created and freed repeatedly (controller restarts, tests) reuse memory.
// Sizes above the largest bucket are allocated directly and never pooled.
//
// Uses *[]byte to avoid the sync.Pool interface allocation.

const (
	size256 = 256
	size4k  = 4 * 1024
	size64k = 64 * 1024
	size1m  = 1024 * 1024
)

var globalPool = struct {
	pool256 sync.Pool
	pool4k  sync.Pool
	pool64k sync.Pool
	pool1m  sync.Pool
}{
	pool256: sync.Pool{New: func() any { b := make([]byte, size256); return &b }},
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool1m:  sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetBuffer returns a buffer of exactly size bytes backed by a pooled array
// when one fits. Pooled memory is not zeroed.
func GetBuffer(size uint32) []byte {
	switch {
	case size <= size256:
		return (*globalPool.pool256.Get().(*[]byte))[:size]
	case size <= size4k:
		return (*globalPool.pool4k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*globalPool.pool64k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*globalPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool matching its capacity
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size256:
		globalPool.pool256.Put(&buf)
	case size4k:
		globalPool.pool4k.Put(&buf)
	case size64k:
		globalPool.pool64k.Put(&buf)
	case size1m:
		globalPool.pool1m.Put(&buf)
	}
}
