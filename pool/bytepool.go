package pool

import (
	"sync"
	"unsafe"

	"github.com/valyala/bytebufferpool"
)

// BytePool is a scratch []byte pool backed by bytebufferpool, used for the
// self-pipe wakeup drain buffer so that path doesn't allocate on every
// readiness notification.
//
// api.BytePool's contract hands out and takes back bare []byte, but
// bytebufferpool pools *ByteBuffer handles; inflight tracks the mapping by
// backing-array address so Release can find the right handle to return
// instead of risking two callers sharing one buffer.
type BytePool struct {
	pool     *bytebufferpool.Pool
	inflight sync.Map // uintptr(&buf[0]) -> *bytebufferpool.ByteBuffer
}

// NewBytePool constructs an empty BytePool. Buffers grow to whatever size
// callers Acquire; bytebufferpool tracks per-size-class reuse internally.
func NewBytePool() *BytePool {
	return &BytePool{pool: new(bytebufferpool.Pool)}
}

// Acquire returns a []byte of length n, reusing a pooled buffer when one of
// sufficient capacity is available.
func (b *BytePool) Acquire(n int) []byte {
	bb := b.pool.Get()
	if cap(bb.B) < n {
		bb.B = make([]byte, n)
	} else {
		bb.B = bb.B[:n]
	}
	if n > 0 {
		b.inflight.Store(uintptr(unsafe.Pointer(&bb.B[0])), bb)
	}
	return bb.B
}

// Release returns buf to the pool. buf must be a slice previously returned
// by Acquire and not used again afterward.
func (b *BytePool) Release(buf []byte) {
	if len(buf) == 0 {
		return
	}
	key := uintptr(unsafe.Pointer(&buf[0]))
	if v, ok := b.inflight.LoadAndDelete(key); ok {
		b.pool.Put(v.(*bytebufferpool.ByteBuffer))
	}
}
