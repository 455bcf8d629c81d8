package ioreactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fiberflow/fiberflow/api"
	"github.com/fiberflow/fiberflow/control"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Options{Threads: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// TestEchoOverSelfPipe exercises the "echo over self-pipe" scenario: one
// end is armed for readability, a write on the other end must wake it with
// the written bytes visible through the fired callback.
func TestEchoOverSelfPipe(t *testing.T) {
	m := newTestManager(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	var wg sync.WaitGroup
	wg.Add(1)
	var got api.IOEvent
	require.NoError(t, m.ArmRead(r, func(ev api.IOEvent) {
		got = ev
		wg.Done()
	}))

	_, err := unix.Write(w, []byte("hi"))
	require.NoError(t, err)

	waitTimeout(t, &wg, time.Second)
	require.True(t, got.Readable)
	require.Equal(t, r, got.Fd)

	buf := make([]byte, 8)
	n, err := unix.Read(r, buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}

// TestTimeoutWinsOverNeverReadyFd exercises the "timeout wins" scenario: a
// read-armed fd that never becomes ready must be unblocked by CancelEvent
// rather than hang forever.
func TestTimeoutWinsOverNeverReadyFd(t *testing.T) {
	m := newTestManager(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)
	_ = w // never written to

	var wg sync.WaitGroup
	wg.Add(1)
	fired := false
	require.NoError(t, m.ArmRead(r, func(api.IOEvent) {
		fired = true
		wg.Done()
	}))

	timer := m.At(time.Now().Add(30*time.Millisecond), func() {
		m.CancelEvent(r, Read)
	})
	defer timer.Cancel()

	waitTimeout(t, &wg, time.Second)
	require.True(t, fired, "timeout-driven CancelEvent must wake the waiter")
}

// TestDelEventDisarmsWithoutFiring exercises removing a registration before
// it ever fires: the waiter must not run.
func TestDelEventDisarmsWithoutFiring(t *testing.T) {
	m := newTestManager(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	fired := false
	require.NoError(t, m.ArmRead(r, func(api.IOEvent) { fired = true }))
	require.NoError(t, m.DelEvent(r))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.False(t, fired)
}

// TestCancelAllFiresBothDirections exercises fd close/teardown: both a
// pending read and a pending write waiter must be synthetically woken.
func TestCancelAllFiresBothDirections(t *testing.T) {
	m := newTestManager(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	// Fill the pipe so w is not writable: otherwise readiness could fire the
	// write waiter before CancelAll reaches it. r uses a second, empty pipe.
	chunk := make([]byte, 4096)
	for {
		if _, err := unix.Write(w, chunk); err != nil {
			break
		}
	}
	var fds2 [2]int
	require.NoError(t, unix.Pipe2(fds2[:], unix.O_NONBLOCK))
	defer unix.Close(fds2[0])
	defer unix.Close(fds2[1])
	r = fds2[0]

	var wg sync.WaitGroup
	wg.Add(2)
	require.NoError(t, m.ArmRead(r, func(api.IOEvent) { wg.Done() }))
	require.NoError(t, m.ArmWrite(w, func(api.IOEvent) { wg.Done() }))

	require.True(t, m.CancelAll(r))
	require.True(t, m.CancelAll(w))

	waitTimeout(t, &wg, time.Second)
}

// TestGracefulStopDrainsReactor exercises the "graceful stop" scenario: once
// every armed fd is torn down and no timers remain, Close (which calls
// Scheduler.Stop) must return instead of blocking forever in epoll_wait.
func TestGracefulStopDrainsReactor(t *testing.T) {
	m, err := New(Options{Threads: 2})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = m.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return in time")
	}
}

// TestConfigStoreSuppliesAndRefreshesMaxEvents exercises the reactor's
// runtime-tunable epoll batch size: set at construction and updated live on
// the next reload without rebuilding the Manager.
func TestConfigStoreSuppliesAndRefreshesMaxEvents(t *testing.T) {
	cs := control.NewConfigStore()
	cs.SetConfig(map[string]any{"ioreactor.max_events": 16, "ioreactor.max_wait_ms": 50})

	m, err := New(Options{Threads: 1, Config: cs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.EqualValues(t, 16, m.maxEvents.Load())
	require.EqualValues(t, 50, m.maxWaitMillis.Load())

	cs.SetConfig(map[string]any{"ioreactor.max_events": 32, "ioreactor.max_wait_ms": 200})
	require.Eventually(t, func() bool {
		return m.maxEvents.Load() == 32 && m.maxWaitMillis.Load() == 200
	}, time.Second, time.Millisecond, "max_events/max_wait_ms should refresh on reload")
}

// TestProbesReportPendingEventCount exercises DebugProbes wiring: a
// registered probe must reflect the reactor's live pending-event count.
func TestProbesReportPendingEventCount(t *testing.T) {
	dp := control.NewDebugProbes()
	m, err := New(Options{Threads: 1, Name: "probed", Probes: dp})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, m.ArmRead(fds[0], func(api.IOEvent) {}))

	state := dp.DumpState()
	require.EqualValues(t, 1, state["ioreactor.probed.pending"])
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for callback")
	}
}
