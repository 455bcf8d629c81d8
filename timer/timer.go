// Package timer implements the ordered multiset of absolute-deadline
// timers shared by the standalone TimerManager use case and by an
// IOManager's timing half.
//
// The original keeps timers in a std::set ordered by deadline; Go has no
// built-in balanced tree, and no third-party priority-queue library
// appears anywhere in the retrieval pack, so the min-heap is built on
// container/heap — the standard library's own canonical priority-queue
// contract, and the same structure time.Timer's runtime implementation
// itself is modeled on.
package timer

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiberflow/fiberflow/api"
)

var _ api.TimerScheduler = (*Manager)(nil)

// WeakWitness is the Go stand-in for the original's weak_ptr<Cancelled>
// guard on a condition timer: a liveness flag owned by the waiter, checked
// by the manager before running the timer's callback. Unlike a weak_ptr it
// never dangles — Kill just flips the flag — so there is nothing to
// promote/fail-to-promote, only Alive to check.
type WeakWitness struct {
	alive atomic.Bool
}

// NewWeakWitness returns a witness that starts alive.
func NewWeakWitness() *WeakWitness {
	w := &WeakWitness{}
	w.alive.Store(true)
	return w
}

// Kill marks the witness dead; a condition timer guarded by it will no
// longer invoke its callback.
func (w *WeakWitness) Kill() { w.alive.Store(false) }

// Alive reports whether the witness is still live.
func (w *WeakWitness) Alive() bool { return w.alive.Load() }

// Reset revives a witness for reuse from a pool. Callers must only reuse a
// witness once they have proven its previous condition timer can never fire
// again (see hook.doIO, which only pools a witness after a successful
// Timer.Cancel) — reviving one still reachable from a pending timer callback
// would let that stale callback observe Alive() again.
func (w *WeakWitness) Reset() { w.alive.Store(true) }

// Timer is one entry in a Manager's heap: an absolute deadline, a callback,
// and (if recurring) the interval to reschedule at.
type Timer struct {
	manager    *Manager
	intervalMs uint64
	recurring  bool
	next       time.Time
	cb         func()
	cancelled  bool
	index      int // heap index, maintained by heap.Interface methods
}

// Cancel removes the timer from its manager's heap. Returns false if the
// timer already fired or was already cancelled.
func (t *Timer) Cancel() bool {
	t.manager.mu.Lock()
	defer t.manager.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	heap.Remove(&t.manager.h, t.index)
	t.cancelled = true
	return true
}

// Refresh pushes the timer's deadline to now+interval, as if it had just
// been added. Returns false if the timer already fired or was cancelled.
func (t *Timer) Refresh() bool {
	return t.Reset(t.intervalMs, true)
}

// Reset changes the timer's interval and recomputes its deadline: from
// time.Now() if fromNow is true, otherwise from the timer's original start
// point (its previous deadline minus its previous interval), matching the
// original's reset() rebasing from start rather than from the
// about-to-be-replaced deadline. Returns false if the timer already fired
// or was cancelled.
func (t *Timer) Reset(ms uint64, fromNow bool) bool {
	t.manager.mu.Lock()
	if t.cancelled || t.index < 0 {
		t.manager.mu.Unlock()
		return false
	}
	base := t.next.Add(-time.Duration(t.intervalMs) * time.Millisecond)
	if fromNow {
		base = time.Now()
	}
	t.intervalMs = ms
	t.next = base.Add(time.Duration(ms) * time.Millisecond)
	heap.Fix(&t.manager.h, t.index)
	atFront := t.manager.checkFrontLocked(t)
	t.manager.mu.Unlock()
	if atFront {
		t.manager.onFrontInserted()
	}
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].next.Before(h[j].next) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Manager is the ordered multiset of pending timers, the TimerManager
// module of the original design.
type Manager struct {
	mu       sync.Mutex
	h        timerHeap
	tickled  bool
	prevTime time.Time

	// onFrontInserted fires when a newly added timer becomes the new
	// nearest deadline and no other insertion has triggered it since the
	// last NextTimeout call. ioreactor.Manager overrides this to interrupt
	// a blocked epoll_wait.
	onFrontInserted func()
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{prevTime: time.Now(), onFrontInserted: func() {}}
}

// SetOnFrontInserted overrides the front-insertion hook.
func (m *Manager) SetOnFrontInserted(fn func()) {
	m.mu.Lock()
	m.onFrontInserted = fn
	m.mu.Unlock()
}

// AddTimer schedules cb to run no earlier than ms milliseconds from now,
// repeating every ms milliseconds if recurring is true.
func (m *Manager) AddTimer(ms uint64, cb func(), recurring bool) *Timer {
	m.mu.Lock()
	t := &Timer{
		manager:    m,
		intervalMs: ms,
		recurring:  recurring,
		next:       time.Now().Add(time.Duration(ms) * time.Millisecond),
		cb:         cb,
	}
	heap.Push(&m.h, t)
	atFront := m.checkFrontLocked(t)
	m.mu.Unlock()
	if atFront {
		m.onFrontInserted()
	}
	return t
}

// AddConditionTimer is AddTimer guarded by witness: when the timer fires,
// cb runs only if witness.Alive() still holds.
func (m *Manager) AddConditionTimer(ms uint64, cb func(), witness *WeakWitness, recurring bool) *Timer {
	guarded := func() {
		if witness != nil && !witness.Alive() {
			return
		}
		cb()
	}
	return m.AddTimer(ms, guarded, recurring)
}

// At schedules fn at an absolute deadline, implementing api.TimerScheduler.
func (m *Manager) At(deadline time.Time, fn func()) api.Cancelable {
	m.mu.Lock()
	t := &Timer{manager: m, next: deadline, cb: fn}
	heap.Push(&m.h, t)
	atFront := m.checkFrontLocked(t)
	m.mu.Unlock()
	if atFront {
		m.onFrontInserted()
	}
	return t
}

// checkFrontLocked reports whether the just-inserted timer t landed at the
// front of the heap and the front-insertion latch hadn't already fired since
// the last NextTimeout call, latching it if so — without the latch, N
// inserts ahead of one NextTimeout call would warrant firing the (possibly
// expensive) wakeup N times. Must be called with m.mu held; per the
// original's addTimer, which drops its write lock before calling
// onTimerInsertedAtFront(), the hook itself must be invoked by the caller
// only after releasing m.mu — calling it here, lock held, risks deadlock if
// the hook (e.g. ioreactor's self-pipe tickle) ever re-enters the manager.
func (m *Manager) checkFrontLocked(t *Timer) bool {
	if t.index == 0 && !m.tickled {
		m.tickled = true
		return true
	}
	return false
}

// NextTimeout reports how long until the nearest pending timer fires, and
// resets the front-insertion latch so the next earlier insertion tickles
// again.
func (m *Manager) NextTimeout() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if m.h.Len() == 0 {
		return 0, false
	}
	d := time.Until(m.h[0].next)
	if d < 0 {
		d = 0
	}
	return d, true
}

// HasTimer reports whether any timer is pending.
func (m *Manager) HasTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.h.Len() > 0
}

// DrainExpired pops every timer whose deadline has passed, reschedules
// recurring ones, and returns their callbacks for the caller to run outside
// the manager's lock.
func (m *Manager) DrainExpired() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.detectClockRolloverLocked()

	now := time.Now()
	var cbs []func()
	var rearm []*Timer
	for m.h.Len() > 0 && !m.h[0].next.After(now) {
		t := heap.Pop(&m.h).(*Timer)
		cbs = append(cbs, t.cb)
		if t.recurring && !t.cancelled {
			t.next = now.Add(time.Duration(t.intervalMs) * time.Millisecond)
			t.cancelled = false
			rearm = append(rearm, t)
		} else {
			t.cancelled = true
		}
	}
	// Recurring timers go back in only after the loop, so one with a zero
	// interval fires once per drain instead of being popped again forever.
	for _, t := range rearm {
		heap.Push(&m.h, t)
	}
	return cbs
}

// detectClockRolloverLocked treats a backward system-clock jump of more
// than an hour as cause to fire everything immediately, rather than have
// timers silently stall for the length of the rollback. Must be called
// with m.mu held.
func (m *Manager) detectClockRolloverLocked() bool {
	now := time.Now()
	rollover := now.Before(m.prevTime.Add(-time.Hour))
	m.prevTime = now
	if rollover {
		for _, t := range m.h {
			t.next = now
		}
		heap.Init(&m.h)
	}
	return rollover
}
