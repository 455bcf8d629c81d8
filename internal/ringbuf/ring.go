// Package ringbuf implements a bounded, lock-free multi-producer/
// multi-consumer ring buffer (Dmitry Vyukov's MPMC queue algorithm).
//
// fiberflow uses it wherever a concern is genuinely single-writer-at-a-time
// in the steady state but must still tolerate concurrent callers during
// startup/shutdown races: the fiber recycling free-list behind fiber.Pool.
package ringbuf

import (
	"sync/atomic"

	"github.com/fiberflow/fiberflow/api"
)

var _ api.Ring[any] = (*Ring[any])(nil)

type cell[T any] struct {
	sequence atomic.Uint64
	data     T
}

// Ring is a fixed-capacity MPMC ring buffer. Capacity is rounded up to the
// next power of two.
type Ring[T any] struct {
	head  atomic.Uint64
	_     [64]byte // separate head/tail cache lines
	tail  atomic.Uint64
	_     [64]byte
	mask  uint64
	cells []cell[T]
}

// New allocates a Ring with capacity >= size, rounded up to a power of two.
func New[T any](size int) *Ring[T] {
	if size < 2 {
		size = 2
	}
	capacity := 1
	for capacity < size {
		capacity <<= 1
	}
	r := &Ring[T]{
		mask:  uint64(capacity - 1),
		cells: make([]cell[T], capacity),
	}
	for i := range r.cells {
		r.cells[i].sequence.Store(uint64(i))
	}
	return r
}

// Enqueue adds item, returning false if the ring is full.
func (r *Ring[T]) Enqueue(item T) bool {
	for {
		tail := r.tail.Load()
		c := &r.cells[tail&r.mask]
		seq := c.sequence.Load()
		switch diff := int64(seq) - int64(tail); {
		case diff == 0:
			if r.tail.CompareAndSwap(tail, tail+1) {
				c.data = item
				c.sequence.Store(tail + 1)
				return true
			}
		case diff < 0:
			return false // full
		default:
			// another producer advanced tail; retry
		}
	}
}

// Dequeue removes and returns the oldest item, ok false if empty.
func (r *Ring[T]) Dequeue() (item T, ok bool) {
	for {
		head := r.head.Load()
		c := &r.cells[head&r.mask]
		seq := c.sequence.Load()
		switch diff := int64(seq) - int64(head+1); {
		case diff == 0:
			if r.head.CompareAndSwap(head, head+1) {
				item = c.data
				c.sequence.Store(head + r.mask + 1)
				return item, true
			}
		case diff < 0:
			var zero T
			return zero, false // empty
		default:
			// another consumer advanced head; retry
		}
	}
}

// Len returns the approximate number of queued items.
func (r *Ring[T]) Len() int {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Cap returns the fixed buffer capacity.
func (r *Ring[T]) Cap() int {
	return len(r.cells)
}
