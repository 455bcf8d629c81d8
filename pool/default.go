package pool

import "sync"

var (
	defaultOnce sync.Once
	defaultPool *BytePool
)

// Default returns a process-wide BytePool so every ioreactor.Manager's
// self-pipe drain shares one set of size classes instead of fragmenting
// allocations across private pools.
func Default() *BytePool {
	defaultOnce.Do(func() {
		defaultPool = NewBytePool()
	})
	return defaultPool
}
