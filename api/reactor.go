// Event-reactor contract implemented by ioreactor.Manager (Linux epoll).
//
// The IOManager multiplexes many fds behind one reactor thread;
// cross-platform backends (IOCP, kqueue) are an explicit non-goal, so this
// contract is not meant to grow more than one concrete implementation.

package api

// IOEvent is a readiness notification for one registered fd.
type IOEvent struct {
	Fd       int
	Readable bool
	Writable bool
	Error    bool
}

// EventReactor registers fds for readiness notification and fires callbacks
// from its own dispatch loop when they become ready.
type EventReactor interface {
	// AddEvent arms fd for the given readiness kind, invoking cb from the
	// reactor's dispatch loop when it fires. AddEvent does not re-arm
	// itself; callers that need level-triggered retries re-arm explicitly.
	AddEvent(fd int, readable, writable bool, cb func(IOEvent)) error

	// DelEvent removes fd's registration.
	DelEvent(fd int) error

	// Close shuts down the reactor and releases the poller fd.
	Close() error
}
