package ringbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBasic(t *testing.T) {
	r := New[int](4)
	require.Equal(t, 4, r.Cap())
	require.True(t, r.Enqueue(1))
	require.True(t, r.Enqueue(2))
	require.Equal(t, 2, r.Len())

	v, ok := r.Dequeue()
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestRingFullEmpty(t *testing.T) {
	r := New[int](2)
	require.True(t, r.Enqueue(1))
	require.True(t, r.Enqueue(2))
	require.False(t, r.Enqueue(3), "ring should report full at capacity")

	_, _ = r.Dequeue()
	_, _ = r.Dequeue()
	_, ok := r.Dequeue()
	require.False(t, ok, "ring should report empty once drained")
}

func TestRingConcurrentProducersConsumers(t *testing.T) {
	r := New[int](1024)
	const n = 2000

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				for !r.Enqueue(i) {
				}
			}
		}()
	}

	received := make(chan int, n)
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count := 0
			for count < n/4 {
				if v, ok := r.Dequeue(); ok {
					received <- v
					count++
				}
			}
		}()
	}
	wg.Wait()
	close(received)

	total := 0
	for range received {
		total++
	}
	require.Equal(t, n, total)
}
