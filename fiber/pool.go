package fiber

import "github.com/fiberflow/fiberflow/internal/ringbuf"

// Pool recycles TERM fibers via Reset instead of letting each task start a
// fresh goroutine, grounded on the generic object-reuse shape of
// pool.SyncPool but backed by a lock-free ring so Get/Put never contend on a
// mutex on the scheduler's dispatch path.
type Pool struct {
	free      *ringbuf.Ring[*Fiber]
	stackSize int
}

// NewPool creates a Pool with the given free-list capacity (rounded up to a
// power of two by the backing ring) and stack-size hint for fibers it must
// allocate fresh.
func NewPool(capacity, stackSize int) *Pool {
	return &Pool{
		free:      ringbuf.New[*Fiber](capacity),
		stackSize: stackSize,
	}
}

// Get returns a READY fiber bound to entry: a recycled TERM fiber rewound
// via Reset if the free list has one, otherwise a freshly allocated Fiber.
func (p *Pool) Get(entry func(), runsUnderScheduler bool) *Fiber {
	if f, ok := p.free.Dequeue(); ok {
		f.Reset(entry)
		return f
	}
	return New(entry, p.stackSize, runsUnderScheduler)
}

// Put returns a TERM fiber to the pool for future reuse. A fiber whose
// state is not TERM, or that doesn't fit in the free list's current
// capacity, is dropped and left for GC.
func (p *Pool) Put(f *Fiber) {
	if f.State() != Term {
		return
	}
	if !p.free.Enqueue(f) {
		f.Close()
	}
}
