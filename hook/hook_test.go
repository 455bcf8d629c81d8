package hook

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fiberflow/fiberflow/ioreactor"
)

func newTestManager(t *testing.T) *ioreactor.Manager {
	t.Helper()
	m, err := ioreactor.New(ioreactor.Options{Threads: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// TestReadBlocksThenReturnsWrittenBytes runs Read inside a fiber scheduled
// on the manager: it must park on EAGAIN and resume with the data once a
// concurrent writer supplies it.
func TestReadBlocksThenReturnsWrittenBytes(t *testing.T) {
	m := newTestManager(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	done := make(chan struct{})
	var n int
	var err error
	var buf [8]byte
	m.ScheduleFunc(func() {
		n, err = Read(m, r, buf[:], time.Second)
		close(done)
	}, ioreactor.AnyThread)

	time.Sleep(20 * time.Millisecond)
	_, werr := unix.Write(w, []byte("abc"))
	require.NoError(t, werr)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return in time")
	}
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf[:n]))
}

// TestReadTimesOutWhenNeverReady checks that a Read given a short timeout on
// an fd that never becomes readable returns ErrTimeout instead of hanging.
func TestReadTimesOutWhenNeverReady(t *testing.T) {
	m := newTestManager(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)
	_ = w

	done := make(chan struct{})
	var err error
	var buf [8]byte
	m.ScheduleFunc(func() {
		_, err = Read(m, r, buf[:], 30*time.Millisecond)
		close(done)
	}, ioreactor.AnyThread)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not time out in time")
	}
	require.True(t, errors.Is(err, ErrTimeout))
}

// TestWriteDrainsAllBytes checks that Write, run inside a fiber, hands the
// whole 4096-byte payload to the pipe while the test drains the read end.
// The payload fits in the pipe's buffer, so no arm/yield cycle is needed.
func TestWriteDrainsAllBytes(t *testing.T) {
	m := newTestManager(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan struct{})
	var n int
	var err error
	m.ScheduleFunc(func() {
		n, err = Write(m, w, payload, time.Second)
		close(done)
	}, ioreactor.AnyThread)

	received := 0
	buf := make([]byte, 512)
	deadline := time.Now().Add(2 * time.Second)
	for received < len(payload) && time.Now().Before(deadline) {
		rn, rerr := unix.Read(r, buf)
		if rn > 0 {
			received += rn
		}
		if rerr != nil && !errors.Is(rerr, unix.EAGAIN) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write did not return in time")
	}
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
}

// TestSleepParksFiberForDuration checks that Sleep resumes the calling
// fiber close to its requested delay without blocking its OS thread (the
// scheduler's other workers keep making progress concurrently).
func TestSleepParksFiberForDuration(t *testing.T) {
	m := newTestManager(t)

	start := time.Now()
	done := make(chan struct{})
	m.ScheduleFunc(func() {
		Sleep(m, 40*time.Millisecond)
		close(done)
	}, ioreactor.AnyThread)

	otherRan := make(chan struct{})
	m.Submit(func() { close(otherRan) })

	select {
	case <-otherRan:
	case <-time.After(time.Second):
		t.Fatal("sibling task starved while fiber slept")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not resume in time")
	}
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
