// Package scheduler implements the M:N task scheduler: a fixed pool of
// worker OS threads pulling from one shared FIFO queue, with fibers (not
// goroutines) as the unit of dispatch. Tasks may request a specific worker
// thread; a worker skips tasks pinned to another thread and tickles its
// siblings so the pinned task gets picked up promptly. There is no
// work-stealing — a thread that finds nothing for it runs its idle fiber
// and waits.
package scheduler

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/fiberflow/fiberflow/affinity"
	"github.com/fiberflow/fiberflow/api"
	"github.com/fiberflow/fiberflow/control"
	"github.com/fiberflow/fiberflow/fiber"
)

// AnyThread is the ScheduleTask.Thread sentinel meaning "any worker may run
// this."
const AnyThread = -1

// ScheduleTask is a unit of dispatch: either a Fiber to resume or a plain
// callback to wrap in a fresh (or recycled) fiber, optionally pinned to one
// worker thread by its scheduler-assigned index.
type ScheduleTask struct {
	Fiber  *fiber.Fiber
	Cb     func()
	Thread int

	enqueuedAt time.Time
}

func (t ScheduleTask) empty() bool { return t.Fiber == nil && t.Cb == nil }

// Options configures optional behavior layered on the base scheduler.
type Options struct {
	// RecycleFibers pools terminated callback-wrapper fibers via fiber.Pool
	// instead of discarding them, per the idle-fiber-pooling supplement.
	RecycleFibers bool
	// PinWorkers locks each worker OS thread to a distinct logical CPU via
	// Pinner, starting at PinBaseCPU.
	PinWorkers bool
	PinBaseCPU int
	// Pinner implements the actual pin; defaults to affinity.Pinner{}.
	// Overridable so tests can exercise PinWorkers without touching real
	// thread affinity.
	Pinner api.Affinity
	// Metrics, if set, receives dispatch-latency samples for every task run.
	Metrics *control.MetricsRegistry
	// Config, if set, supplies the "scheduler.fiber_stack_size" tunable at
	// construction and keeps it live across config.SetConfig/TriggerHotReload
	// calls via OnReload.
	Config *control.ConfigStore
	// Probes, if set, receives worker/active/idle gauges for introspection.
	Probes *control.DebugProbes
}

var _ api.Executor = (*Scheduler)(nil)

// Scheduler is the fixed-size worker pool and shared task queue.
type Scheduler struct {
	name       string
	useCaller  bool
	opts       Options
	fiberPool  *fiber.Pool

	mu    sync.Mutex
	tasks *queue.Queue

	threadCount   int
	workerThreads []int // logical thread indices assigned to launched workers

	activeThreads atomic.Int64
	idleThreads   atomic.Int64
	stopping      atomic.Bool
	stackSizeHint atomic.Int64

	wg             sync.WaitGroup
	schedulerFiber *fiber.Fiber
	rootThreadIdx  int

	// onTickle is invoked whenever a newly-queued (or thread-mismatched)
	// task may need to wake a sleeping worker. The base scheduler's idle
	// loop just sleeps and polls, so the default is a no-op; ioreactor.Manager
	// overrides it to write to the reactor's self-pipe.
	onTickle func()

	// idleBody is the per-worker idle fiber's entry point. The base
	// scheduler's default just sleeps and yields; ioreactor.Manager
	// overrides it with the epoll_wait reactor loop.
	idleBody func()

	// isStopping reports the scheduler's stopping condition. The base
	// default is "stopping flag set, queue drained, nothing active";
	// ioreactor.Manager ANDs in "no pending fd events, no timers".
	isStopping func() bool
}

var registry sync.Map // goroutine id (uint64) -> *Scheduler

// New constructs a Scheduler with the given total worker count. If
// useCaller is true, the thread that later calls Stop runs as the final
// worker (mirroring the original design's "use_caller" mode) instead of a
// dedicated goroutine being spawned for it.
func New(threads int, useCaller bool, name string, opts Options) *Scheduler {
	if threads <= 0 {
		threads = 1
	}
	s := &Scheduler{
		name:      name,
		useCaller: useCaller,
		opts:      opts,
		tasks:     queue.New(),
		onTickle:  func() {},
	}
	s.idleBody = s.idle
	s.isStopping = s.defaultStopping
	if opts.Pinner == nil {
		s.opts.Pinner = affinity.Pinner{}
	}
	if opts.Config != nil {
		refresh := func() { s.stackSizeHint.Store(int64(opts.Config.Int("scheduler.fiber_stack_size", 0))) }
		refresh()
		opts.Config.OnReload(refresh)
	}
	if opts.Probes != nil {
		opts.Probes.RegisterProbe(fmt.Sprintf("scheduler.%s.workers", name), func() any { return s.NumWorkers() })
		opts.Probes.RegisterProbe(fmt.Sprintf("scheduler.%s.active", name), func() any { return s.ActiveCount() })
		opts.Probes.RegisterProbe(fmt.Sprintf("scheduler.%s.idle", name), func() any { return s.IdleThreads() })
	}
	if opts.RecycleFibers {
		s.fiberPool = fiber.NewPool(256, int(s.stackSizeHint.Load()))
	}
	if useCaller {
		threads--
		s.rootThreadIdx = 0
		s.schedulerFiber = fiber.New(func() { s.run(s.rootThreadIdx) }, int(s.stackSizeHint.Load()), false)
	} else {
		s.rootThreadIdx = -1
	}
	s.threadCount = threads
	return s
}

// ThisScheduler returns the Scheduler whose run loop the calling goroutine
// is executing inside, or nil.
func ThisScheduler() *Scheduler {
	if v, ok := registry.Load(fiber.GoroutineID()); ok {
		return v.(*Scheduler)
	}
	return nil
}

func (s *Scheduler) setThis() {
	registry.Store(fiber.GoroutineID(), s)
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// NumWorkers implements api.Executor.
func (s *Scheduler) NumWorkers() int {
	if s.useCaller {
		return s.threadCount + 1
	}
	return s.threadCount
}

// Submit implements api.Executor by enqueueing cb for any worker.
func (s *Scheduler) Submit(cb func()) error {
	s.schedule(ScheduleTask{Cb: cb, Thread: AnyThread})
	return nil
}

// ScheduleFiber enqueues an existing fiber, optionally pinned to thread.
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber, thread int) {
	s.schedule(ScheduleTask{Fiber: f, Thread: thread})
}

// ScheduleFunc enqueues cb wrapped in a fresh or recycled fiber, optionally
// pinned to thread.
func (s *Scheduler) ScheduleFunc(cb func(), thread int) {
	s.schedule(ScheduleTask{Cb: cb, Thread: thread})
}

func (s *Scheduler) schedule(t ScheduleTask) {
	t.enqueuedAt = time.Now()
	s.mu.Lock()
	needTickle := s.tasks.Length() == 0
	s.tasks.Add(t)
	s.mu.Unlock()
	if needTickle {
		s.onTickle()
	}
}

// SetTickle overrides the wakeup hook fired on an empty-to-nonempty queue
// transition. Composing types (ioreactor.Manager) call this to route
// wakeups through their own self-pipe instead of the no-op default.
func (s *Scheduler) SetTickle(fn func()) { s.onTickle = fn }

// Start launches the scheduler's dedicated worker goroutines. It does not
// start the use-caller worker; that one only begins scheduling inside Stop,
// matching the original design's constructor/start/stop split.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		return fmt.Errorf("scheduler %q: %w", s.name, api.ErrClosed)
	}
	s.mu.Unlock()

	for i := 0; i < s.threadCount; i++ {
		threadIdx := i
		if s.useCaller {
			threadIdx++ // root thread occupies index 0
		}
		s.workerThreads = append(s.workerThreads, threadIdx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.opts.PinWorkers {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
				_ = s.opts.Pinner.Pin(s.opts.PinBaseCPU + threadIdx)
			}
			s.run(threadIdx)
		}()
	}
	return nil
}

// Stop signals the scheduler to drain and exit, tickles all workers so none
// stays parked in idle, runs the use-caller worker inline if configured, and
// blocks until every worker has returned.
func (s *Scheduler) Stop() {
	if s.stopping.Load() {
		return
	}
	s.stopping.Store(true)

	for range s.workerThreads {
		s.onTickle()
	}
	if s.schedulerFiber != nil {
		s.onTickle()
	}

	if s.schedulerFiber != nil {
		fiber.SetSchedulerParent(s.schedulerFiber)
		s.schedulerFiber.Resume()
	}

	s.wg.Wait()
}

// run is the worker-thread body: pop a task targeted at threadIdx (or
// unaddressed), resume it, else run the idle fiber.
func (s *Scheduler) run(threadIdx int) {
	s.setThis()
	if s.schedulerFiber != nil {
		fiber.SetSchedulerParent(s.schedulerFiber)
	}

	idleFiber := fiber.New(func() { s.idleBody() }, int(s.stackSizeHint.Load()), false)

	for {
		task, tickleMe := s.popTaskFor(threadIdx)
		if tickleMe {
			s.onTickle()
		}

		switch {
		case task.Fiber != nil:
			if task.Fiber.State() != fiber.Term {
				s.runTask(task, task.Fiber)
			}
		case task.Cb != nil:
			var f *fiber.Fiber
			if s.fiberPool != nil {
				f = s.fiberPool.Get(task.Cb, false)
			} else {
				f = fiber.New(task.Cb, int(s.stackSizeHint.Load()), false)
			}
			s.runTask(task, f)
			if s.fiberPool != nil {
				s.fiberPool.Put(f)
			}
		default:
			if idleFiber.State() == fiber.Term {
				return
			}
			s.idleThreads.Add(1)
			idleFiber.Resume()
			s.idleThreads.Add(-1)
		}

		if s.stopping.Load() && s.empty() {
			return
		}
	}
}

func (s *Scheduler) runTask(t ScheduleTask, f *fiber.Fiber) {
	if s.opts.Metrics != nil && !t.enqueuedAt.IsZero() {
		s.opts.Metrics.RecordDispatchLatency(time.Since(t.enqueuedAt))
	}
	s.activeThreads.Add(1)
	f.Resume()
	s.activeThreads.Add(-1)
}

// popTaskFor scans the queue front-to-back for the first task addressed to
// threadIdx or unaddressed, leaving tasks pinned to other threads in place.
// tickleMe reports whether a sibling worker should be woken: either because
// a mismatched task was skipped, or because tasks remain after the match.
func (s *Scheduler) popTaskFor(threadIdx int) (found ScheduleTask, tickleMe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.tasks.Length()
	var skipped []ScheduleTask
	matched := false
	for i := 0; i < n; i++ {
		t := s.tasks.Remove().(ScheduleTask)
		if matched {
			skipped = append(skipped, t)
			continue
		}
		if t.Thread != AnyThread && t.Thread != threadIdx {
			skipped = append(skipped, t)
			tickleMe = true
			continue
		}
		found = t
		matched = true
	}
	for _, t := range skipped {
		s.tasks.Add(t)
	}
	if !matched {
		return ScheduleTask{}, tickleMe || s.tasks.Length() > 0
	}
	return found, tickleMe || s.tasks.Length() > 0
}

func (s *Scheduler) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.Length() == 0
}

// Empty reports whether the shared task queue is currently drained.
func (s *Scheduler) Empty() bool { return s.empty() }

// ActiveCount reports the number of tasks currently resumed on a worker.
func (s *Scheduler) ActiveCount() int64 { return s.activeThreads.Load() }

// IdleThreads reports how many workers are currently parked in their idle
// fiber. ioreactor.Manager consults this before tickling its self-pipe,
// matching the original's hasIdleThreads() guard — a wakeup is only useful
// if a worker is actually parked in epoll_wait to receive it.
func (s *Scheduler) IdleThreads() int64 { return s.idleThreads.Load() }

// idle is the default idle-fiber body: yield repeatedly, sleeping briefly
// between checks, until the scheduler is stopping. There is intentionally
// no wakeup-on-enqueue signal for the idle fiber itself beyond onTickle's
// effect of giving the next popTaskFor call something to find — the short
// sleep bounds worst-case pickup latency instead. ioreactor.Manager
// replaces this entirely with an epoll_wait-based reactor loop via
// SetIdleBody.
func (s *Scheduler) idle() {
	for !s.isStopping() {
		time.Sleep(time.Millisecond)
		fiber.Yield()
	}
}

// SetIdleBody overrides the per-worker idle fiber's entry point.
func (s *Scheduler) SetIdleBody(fn func()) { s.idleBody = fn }

// SetStoppingFunc overrides the scheduler's stopping-condition predicate.
func (s *Scheduler) SetStoppingFunc(fn func() bool) { s.isStopping = fn }

// Stopping reports whether the scheduler should stop, per isStopping
// (defaultStopping unless overridden by SetStoppingFunc).
func (s *Scheduler) Stopping() bool { return s.isStopping() }

// defaultStopping is the base scheduler's stopping condition: told to
// stop, queue drained, nothing active.
func (s *Scheduler) defaultStopping() bool {
	return s.stopping.Load() && s.empty() && s.activeThreads.Load() == 0
}

// IsStoppingFlagSet reports only the raw "told to stop" flag, without the
// drain/active checks — useful for composing a wider isStopping predicate
// (ioreactor.Manager ANDs in its own fd/timer conditions).
func (s *Scheduler) IsStoppingFlagSet() bool { return s.stopping.Load() }
