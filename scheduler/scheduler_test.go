package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fiberflow/fiberflow/api"
	"github.com/fiberflow/fiberflow/control"
)

func TestSharedQueueFairness(t *testing.T) {
	const workers = 4
	const tasks = 100

	s := New(workers, false, "fairness", Options{})
	require.NoError(t, s.Start())

	var ran int64
	var perWorker [workers]int64
	var wg sync.WaitGroup
	wg.Add(tasks)

	for i := 0; i < tasks; i++ {
		s.Submit(func() {
			atomic.AddInt64(&ran, 1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not all complete in time")
	}

	require.EqualValues(t, tasks, atomic.LoadInt64(&ran))
	s.Stop()
	_ = perWorker // per-worker counts are not recorded; only the total is checked
}

func TestSubmittedTaskRuns(t *testing.T) {
	s := New(2, false, "basic", Options{})
	require.NoError(t, s.Start())
	defer s.Stop()

	done := make(chan struct{})
	s.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestPinnedTaskIsPickedUp(t *testing.T) {
	s := New(3, false, "pinned", Options{})
	require.NoError(t, s.Start())
	defer s.Stop()

	var observed atomic.Int32
	done := make(chan struct{})
	s.ScheduleFunc(func() {
		observed.Store(1)
		close(done)
	}, 1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pinned task never ran")
	}
	require.EqualValues(t, 1, observed.Load())
}

func TestStopDrainsBeforeReturning(t *testing.T) {
	s := New(2, false, "drain", Options{})
	require.NoError(t, s.Start())

	var completed atomic.Int32
	for i := 0; i < 20; i++ {
		s.Submit(func() {
			time.Sleep(time.Millisecond)
			completed.Add(1)
		})
	}
	s.Stop()
	require.EqualValues(t, 20, completed.Load())
}

func TestStartRejectsRestartAfterStopWithClosedError(t *testing.T) {
	s := New(1, false, "once", Options{})
	require.NoError(t, s.Start())
	s.Stop()

	err := s.Start()
	require.Error(t, err)
	require.ErrorIs(t, err, api.ErrClosed)
}

type fakePinner struct{ pinned []int }

func (p *fakePinner) Pin(cpuID int) error {
	p.pinned = append(p.pinned, cpuID)
	return nil
}

func TestPinWorkersCallsConfiguredPinner(t *testing.T) {
	pinner := &fakePinner{}
	s := New(2, false, "pinned-workers", Options{PinWorkers: true, PinBaseCPU: 3, Pinner: pinner})
	require.NoError(t, s.Start())
	s.Stop()

	require.NotEmpty(t, pinner.pinned)
	for _, cpu := range pinner.pinned {
		require.GreaterOrEqual(t, cpu, 3)
	}
}

func TestConfigStoreSuppliesAndRefreshesStackSizeHint(t *testing.T) {
	cs := control.NewConfigStore()
	cs.SetConfig(map[string]any{"scheduler.fiber_stack_size": 65536})

	s := New(1, false, "configured", Options{Config: cs})
	require.EqualValues(t, 65536, s.stackSizeHint.Load())

	cs.SetConfig(map[string]any{"scheduler.fiber_stack_size": 131072})
	require.Eventually(t, func() bool {
		return s.stackSizeHint.Load() == 131072
	}, time.Second, time.Millisecond, "stack size hint should refresh on reload")
}

func TestProbesReportWorkerGauges(t *testing.T) {
	dp := control.NewDebugProbes()
	s := New(2, false, "probed", Options{Probes: dp})
	require.NoError(t, s.Start())
	defer s.Stop()

	state := dp.DumpState()
	require.EqualValues(t, 2, state["scheduler.probed.workers"])
}

func TestUseCallerModeRunsSchedulerFiberOnStop(t *testing.T) {
	s := New(1, true, "caller", Options{})
	require.NoError(t, s.Start())

	done := make(chan struct{})
	s.Submit(func() { close(done) })

	s.Stop()
	select {
	case <-done:
	default:
		t.Fatal("task submitted before Stop should have run by the time Stop returns")
	}
}
