// Package ioreactor implements the I/O Manager: a Scheduler plus a
// TimerManager plus a Linux epoll reactor, so that readiness notifications
// and timer expiry both resolve to the same "submit a waiter to the
// scheduler" primitive.
//
// Linux-only; cross-platform reactor backends are out of scope. The epoll
// call shapes below follow the same edge-triggered, self-pipe-tickled,
// FdContext-indexed pattern used throughout this ecosystem's epoll-backed
// reactors.
package ioreactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fiberflow/fiberflow/api"
	"github.com/fiberflow/fiberflow/control"
	"github.com/fiberflow/fiberflow/fiber"
	"github.com/fiberflow/fiberflow/pool"
	"github.com/fiberflow/fiberflow/scheduler"
	"github.com/fiberflow/fiberflow/timer"
)

// AnyThread re-exports scheduler.AnyThread for callers that only import
// ioreactor.
const AnyThread = scheduler.AnyThread

// Event is the readiness kind an fd can be registered for.
type Event uint32

const (
	Read Event = 1 << iota
	Write
)

const maxEpollEvents = 256
const maxWaitMillis = 5000
const initialFdTableSize = 32

// eventContext holds whichever waiter is registered for one (fd, Event):
// either a plain callback, or the coroutine that was RUNNING when it called
// arm with no callback.
type eventContext struct {
	cb func(api.IOEvent)
	f  *fiber.Fiber
}

func (c *eventContext) empty() bool { return c.cb == nil && c.f == nil }

func (c *eventContext) reset() { c.cb = nil; c.f = nil }

// fdContext is the per-fd registration record: which events are currently
// armed with epoll and what fires when they do.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

func (c *fdContext) ctxFor(e Event) *eventContext {
	if e == Read {
		return &c.read
	}
	return &c.write
}

// Manager is the I/O Manager: Scheduler + TimerManager + epoll reactor.
type Manager struct {
	*scheduler.Scheduler
	*timer.Manager

	epfd    int
	pipeR   int
	pipeW   int
	scratch *pool.BytePool
	metrics *control.MetricsRegistry

	tableMu sync.RWMutex
	table   []*fdContext

	pending       atomic.Int64
	maxEvents     atomic.Int64
	maxWaitMillis atomic.Int64
}

var _ api.EventReactor = (*Manager)(nil)

// Options configures a Manager.
type Options struct {
	Threads       int
	UseCaller     bool
	Name          string
	RecycleFibers bool
	PinWorkers    bool
	Metrics       *control.MetricsRegistry
	// Config, if set, supplies and keeps live the "ioreactor.max_events" and
	// "ioreactor.max_wait_ms" tunables named in the reactor's configuration
	// surface — epoll's per-wait event batch size and its wait-call cap.
	Config *control.ConfigStore
	// Probes, if set, receives a pending-event-count gauge, and is passed on
	// to the scheduler for its worker/active/idle gauges.
	Probes *control.DebugProbes
}

// New constructs a Manager: creates the epoll instance and self-pipe,
// pre-sizes the fd table, and wires the Scheduler's tickle/idle/stopping
// hooks to the reactor loop before starting the worker pool.
func New(opts Options) (*Manager, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ioreactor: epoll_create1: %s: %w", err, api.ErrResourceExhausted)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("ioreactor: pipe2: %s: %w", err, api.ErrResourceExhausted)
	}

	m := &Manager{
		epfd:    epfd,
		pipeR:   pipeFds[0],
		pipeW:   pipeFds[1],
		scratch: pool.Default(),
		metrics: opts.Metrics,
		table:   make([]*fdContext, initialFdTableSize),
	}
	for i := range m.table {
		m.table[i] = &fdContext{fd: i}
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, m.pipeR, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(m.pipeR),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(m.pipeR)
		unix.Close(m.pipeW)
		return nil, fmt.Errorf("ioreactor: epoll_ctl add self-pipe: %s: %w", err, api.ErrResourceExhausted)
	}

	m.Scheduler = scheduler.New(opts.Threads, opts.UseCaller, opts.Name, scheduler.Options{
		RecycleFibers: opts.RecycleFibers,
		PinWorkers:    opts.PinWorkers,
		Metrics:       opts.Metrics,
		Config:        opts.Config,
		Probes:        opts.Probes,
	})
	m.Manager = timer.NewManager()

	m.maxEvents.Store(maxEpollEvents)
	m.maxWaitMillis.Store(maxWaitMillis)
	if opts.Config != nil {
		refresh := func() {
			m.maxEvents.Store(int64(opts.Config.Int("ioreactor.max_events", maxEpollEvents)))
			m.maxWaitMillis.Store(int64(opts.Config.Int("ioreactor.max_wait_ms", maxWaitMillis)))
		}
		refresh()
		opts.Config.OnReload(refresh)
	}
	if opts.Probes != nil {
		opts.Probes.RegisterProbe(fmt.Sprintf("ioreactor.%s.pending", opts.Name), func() any { return m.pending.Load() })
	}

	m.Scheduler.SetTickle(m.tickle)
	m.Scheduler.SetIdleBody(m.reactorLoop)
	m.Scheduler.SetStoppingFunc(m.stopping)
	m.Manager.SetOnFrontInserted(m.tickle)

	if err := m.Scheduler.Start(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// grow enlarges the fd table to at least fd+1, doubling otherwise, fixing
// the original's `fd*1.5` rule, which can fail to exceed fd for small fd
// values. Returns the table in effect once grow returns, so callers never
// need to re-read m.table themselves under a separate lock acquisition.
func (m *Manager) grow(fd int) []*fdContext {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	if fd < len(m.table) {
		return m.table
	}
	newSize := len(m.table) * 2
	if fd+1 > newSize {
		newSize = fd + 1
	}
	grown := make([]*fdContext, newSize)
	copy(grown, m.table)
	for i := len(m.table); i < newSize; i++ {
		grown[i] = &fdContext{fd: i}
	}
	m.table = grown
	return m.table
}

// ctxFor takes the shared lock before every size check, the same discipline
// the original applies before every addEvent/delEvent/cancelEvent/cancelAll
// table access — reading len(m.table) outside the lock would race grow's
// m.table = grown write.
func (m *Manager) ctxFor(fd int) *fdContext {
	m.tableMu.RLock()
	needsGrow := fd >= len(m.table)
	if !needsGrow {
		fc := m.table[fd]
		m.tableMu.RUnlock()
		return fc
	}
	m.tableMu.RUnlock()

	table := m.grow(fd)
	return table[fd]
}

// arm registers event on fd, firing cb (or, if cb is nil, resuming the
// calling RUNNING fiber) exactly once the next time it becomes ready.
// Returns an error if event is already armed on fd.
func (m *Manager) arm(fd int, event Event, cb func(api.IOEvent)) error {
	fc := m.ctxFor(fd)
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&event != 0 {
		return api.NewError(api.ErrCodeAlreadyExists, "ioreactor: event already armed").WithContext("fd", fd)
	}

	op := unix.EPOLL_CTL_ADD
	if fc.events != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	newMask := epollBits(fc.events | event)
	if err := unix.EpollCtl(m.epfd, op, fd, &unix.EpollEvent{Events: newMask, Fd: int32(fd)}); err != nil {
		return fmt.Errorf("ioreactor: epoll_ctl: %s: %w", err, api.ErrResourceExhausted)
	}

	m.pending.Add(1)
	fc.events |= event

	ctx := fc.ctxFor(event)
	if cb != nil {
		ctx.cb = cb
	} else {
		cur := fiber.Current()
		if cur.State() != fiber.Running {
			return api.NewError(api.ErrCodeInvalidArgument, "ioreactor: arm with no callback requires the calling fiber to be RUNNING")
		}
		ctx.f = cur
	}
	return nil
}

// ArmRead arms fd for readability. See arm.
func (m *Manager) ArmRead(fd int, cb func(api.IOEvent)) error { return m.arm(fd, Read, cb) }

// ArmWrite arms fd for writability. See arm.
func (m *Manager) ArmWrite(fd int, cb func(api.IOEvent)) error { return m.arm(fd, Write, cb) }

// AddEvent implements api.EventReactor by arming whichever of readable,
// writable is requested under the same callback.
func (m *Manager) AddEvent(fd int, readable, writable bool, cb func(api.IOEvent)) error {
	if readable {
		if err := m.arm(fd, Read, cb); err != nil {
			return err
		}
	}
	if writable {
		if err := m.arm(fd, Write, cb); err != nil {
			return err
		}
	}
	return nil
}

// Disarm removes event's registration on fd without firing its waiter.
func (m *Manager) Disarm(fd int, event Event) bool {
	fc := m.ctxFor(fd)
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&event == 0 {
		return false
	}
	newEvents := fc.events &^ event
	if err := m.applyMask(fd, newEvents); err != nil {
		return false
	}
	m.pending.Add(-1)
	fc.events = newEvents
	fc.ctxFor(event).reset()
	return true
}

// DelEvent implements api.EventReactor by disarming both directions on fd.
func (m *Manager) DelEvent(fd int) error {
	m.Disarm(fd, Read)
	m.Disarm(fd, Write)
	return nil
}

// CancelEvent disarms event on fd and synthetically fires its waiter — the
// hook layer's timeout path.
func (m *Manager) CancelEvent(fd int, event Event) bool {
	fc := m.ctxFor(fd)
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&event == 0 {
		return false
	}
	newEvents := fc.events &^ event
	if err := m.applyMask(fd, newEvents); err != nil {
		return false
	}
	m.pending.Add(-1)
	fc.events = newEvents
	m.trigger(fc, event)
	return true
}

// CancelAll disarms and fires every waiter registered on fd.
func (m *Manager) CancelAll(fd int) bool {
	fc := m.ctxFor(fd)
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events == 0 {
		return false
	}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return false
	}
	if fc.events&Read != 0 {
		m.trigger(fc, Read)
		m.pending.Add(-1)
	}
	if fc.events&Write != 0 {
		m.trigger(fc, Write)
		m.pending.Add(-1)
	}
	fc.events = 0
	return true
}

func (m *Manager) applyMask(fd int, events Event) error {
	if events == 0 {
		return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollBits(events),
		Fd:     int32(fd),
	})
}

// trigger clears event's bit (registrations are one-shot per fire) and
// submits its waiter to the scheduler. Caller must hold fc.mu.
func (m *Manager) trigger(fc *fdContext, event Event) {
	ctx := fc.ctxFor(event)
	if ctx.empty() {
		return
	}
	ioEvent := api.IOEvent{Fd: fc.fd, Readable: event == Read, Writable: event == Write}
	if ctx.cb != nil {
		cb := ctx.cb
		_ = m.Scheduler.Submit(func() { cb(ioEvent) })
	} else if ctx.f != nil {
		m.Scheduler.ScheduleFiber(ctx.f, scheduler.AnyThread)
	}
	ctx.reset()
}

func epollBits(e Event) uint32 {
	var bits uint32 = unix.EPOLLET
	if e&Read != 0 {
		bits |= unix.EPOLLIN
	}
	if e&Write != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

// tickle writes one byte to the self-pipe, but only if a worker is actually
// parked in epoll_wait to receive it — matching the original's
// hasIdleThreads() guard on IOManager::tickle(). Scheduler.Stop and timer
// front-insertion both drive this through the hooks wired in New.
func (m *Manager) tickle() {
	if m.Scheduler.IdleThreads() == 0 {
		return
	}
	var b [1]byte
	b[0] = 'T'
	_, _ = unix.Write(m.pipeW, b[:])
}

// stopping is the IOManager's stopping condition: the base scheduler's
// condition, AND no pending fd events, AND no timers remain.
func (m *Manager) stopping() bool {
	_, hasTimer := m.Manager.NextTimeout()
	return m.Scheduler.IsStoppingFlagSet() &&
		m.Scheduler.Empty() &&
		m.Scheduler.ActiveCount() == 0 &&
		m.pending.Load() == 0 &&
		!hasTimer
}

// reactorLoop is the reactor idle-fiber body installed via SetIdleBody,
// implementing the epoll_wait-based dispatch loop the design generalizes.
func (m *Manager) reactorLoop() {
	events := make([]unix.EpollEvent, m.maxEvents.Load())
	for {
		if m.stopping() {
			return
		}

		if want := int(m.maxEvents.Load()); want != len(events) {
			events = make([]unix.EpollEvent, want)
		}

		timeoutMs, hasTimer := m.Manager.NextTimeout()
		waitMs := int(m.maxWaitMillis.Load())
		if hasTimer {
			ms := int(timeoutMs / time.Millisecond)
			if ms < waitMs {
				waitMs = ms
			}
		}

		start := time.Now()
		var n int
		var err error
		for {
			n, err = unix.EpollWait(m.epfd, events, waitMs)
			if err == unix.EINTR {
				continue
			}
			break
		}
		if m.metrics != nil {
			m.metrics.RecordReactorWait(time.Since(start))
		}
		if err != nil {
			fiber.Yield()
			continue
		}

		for _, cb := range m.Manager.DrainExpired() {
			_ = m.Scheduler.Submit(cb)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == m.pipeR {
				m.drainSelfPipe()
				continue
			}
			m.handleReady(fd, ev.Events)
		}

		fiber.Yield()
	}
}

func (m *Manager) drainSelfPipe() {
	buf := m.scratch.Acquire(256)
	defer m.scratch.Release(buf)
	for {
		n, err := unix.Read(m.pipeR, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

func (m *Manager) handleReady(fd int, epollEvents uint32) {
	fc := m.ctxFor(fd)
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if epollEvents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		epollEvents |= unix.EPOLLIN | unix.EPOLLOUT
	}

	var real Event
	if epollEvents&unix.EPOLLIN != 0 {
		real |= Read
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		real |= Write
	}
	real &= fc.events
	if real == 0 {
		return
	}

	remaining := fc.events &^ real
	if err := m.applyMask(fd, remaining); err != nil {
		return
	}
	fc.events = remaining

	if real&Read != 0 {
		m.trigger(fc, Read)
		m.pending.Add(-1)
	}
	if real&Write != 0 {
		m.trigger(fc, Write)
		m.pending.Add(-1)
	}
}

// Close stops the scheduler and releases the epoll fd and self-pipe.
func (m *Manager) Close() error {
	if m.Scheduler != nil {
		m.Scheduler.Stop()
	}
	unix.Close(m.pipeR)
	unix.Close(m.pipeW)
	return unix.Close(m.epfd)
}
