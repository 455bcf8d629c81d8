package pool

import "sync"

// SyncPool wraps sync.Pool for generic reuse of short-lived helper objects,
// satisfying api.ObjectPool[T]. The hook package uses one to recycle
// condition-timer witnesses: callers must only Put an object back once they
// can prove nothing else will ever touch it again (see hook.doIO), the same
// single-owner discipline fiber.Pool applies to TERM fibers.
type SyncPool[T any] struct {
	pool *sync.Pool
}

// NewSyncPool creates a new SyncPool with a creator function used whenever
// Get finds the pool empty.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	return &SyncPool[T]{
		pool: &sync.Pool{New: func() any { return creator() }},
	}
}

// Get returns a pooled T, allocating a fresh one via the creator if none is
// free.
func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

// Put returns obj to the pool for future Get calls.
func (sp *SyncPool[T]) Put(obj T) {
	sp.pool.Put(obj)
}
