// Package hook is a reference implementation of the retry-on-EAGAIN
// contract an fd-interception layer would sit behind: given a raw
// non-blocking fd and an ioreactor.Manager, retry a syscall until it either
// succeeds or a per-call timeout elapses, yielding the calling fiber in
// between attempts instead of blocking the OS thread.
//
// It deliberately does not intercept libc calls — there is no dlsym/
// RTLD_NEXT equivalent reachable from Go without cgo, and transparent
// syscall interposition is out of scope. Read, Write, and Sleep instead
// call golang.org/x/sys/unix directly on already-non-blocking fds, over exactly the
// pattern the original's do_io template follows.
package hook

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fiberflow/fiberflow/fiber"
	"github.com/fiberflow/fiberflow/ioreactor"
	"github.com/fiberflow/fiberflow/pool"
	"github.com/fiberflow/fiberflow/timer"
)

// ErrTimeout is returned when a call's deadline elapses before the fd
// becomes ready.
var ErrTimeout = errors.New("hook: operation timed out")

// witnessPool recycles condition-timer witnesses across doIO's retry
// iterations, the same way fiber.Pool recycles TERM fibers: a witness only
// goes back in once doIO has proven, via a successful Timer.Cancel, that
// its guarded callback can never run again.
var witnessPool = pool.NewSyncPool(func() *timer.WeakWitness { return timer.NewWeakWitness() })

// Read retries unix.Read on fd until it returns data, hits EOF, fails for a
// reason other than EAGAIN, or timeout elapses (zero meaning no timeout).
func Read(m *ioreactor.Manager, fd int, buf []byte, timeout time.Duration) (int, error) {
	return doIO(m, fd, ioreactor.Read, timeout, func() (int, error) {
		return unix.Read(fd, buf)
	})
}

// Write retries unix.Write on fd the same way Read retries unix.Read.
func Write(m *ioreactor.Manager, fd int, buf []byte, timeout time.Duration) (int, error) {
	return doIO(m, fd, ioreactor.Write, timeout, func() (int, error) {
		return unix.Write(fd, buf)
	})
}

// doIO is the Go shape of the original's do_io template: attempt the
// syscall, retry immediately on EINTR, and on EAGAIN arm event on fd (with
// an optional condition timer racing it) before yielding the calling
// fiber. The condition timer is guarded by a timer.WeakWitness exactly the
// way the original guards its timeout callback with a weak_ptr<timer_info>
// — once the fiber is resumed by either side, the witness is killed so a
// timer that is mid-fire concurrently finds nothing left to cancel.
// Resumed either by the I/O event or by the timer, check which one fired
// and either return ErrTimeout or retry the syscall.
func doIO(m *ioreactor.Manager, fd int, event ioreactor.Event, timeout time.Duration, attempt func() (int, error)) (int, error) {
	for {
		n, err := attempt()
		for err == unix.EINTR {
			n, err = attempt()
		}
		if !errors.Is(err, unix.EAGAIN) {
			return n, err
		}

		var timedOut atomic.Bool
		var cancelTimer func()
		if timeout > 0 {
			witness := witnessPool.Get()
			witness.Reset()
			t := m.AddConditionTimer(uint64(timeout/time.Millisecond), func() {
				timedOut.Store(true)
				m.CancelEvent(fd, event)
			}, witness, false)
			cancelTimer = func() {
				witness.Kill()
				if t.Cancel() {
					// Cancel only succeeds when the timer was still pending
					// in the heap, so nothing else can still be holding a
					// reference to this witness's guarded callback.
					witnessPool.Put(witness)
				}
			}
		}

		var armErr error
		if event == ioreactor.Read {
			armErr = m.ArmRead(fd, nil)
		} else {
			armErr = m.ArmWrite(fd, nil)
		}
		if armErr != nil {
			if cancelTimer != nil {
				cancelTimer()
			}
			return -1, armErr
		}

		fiber.Yield()

		if cancelTimer != nil {
			cancelTimer()
		}
		if timedOut.Load() {
			return -1, ErrTimeout
		}
	}
}

// Sleep parks the calling fiber for d without blocking its OS thread,
// resuming it from the IOManager's own scheduler via a one-shot timer —
// the Go equivalent of the original's hooked sleep()/usleep()/nanosleep().
func Sleep(m *ioreactor.Manager, d time.Duration) {
	self := fiber.Current()
	m.At(time.Now().Add(d), func() {
		m.ScheduleFiber(self, ioreactor.AnyThread)
	})
	fiber.Yield()
}
