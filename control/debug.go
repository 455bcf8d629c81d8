// Runtime debug handler and probe reflector for internal inspection, plus
// an on-demand wall-clock profile via fgprof. fgprof samples goroutines
// regardless of whether they're blocked in a syscall, which is the only way
// to see time a reactor worker spends inside epoll_wait; pprof's CPU
// profiler only samples on-CPU goroutines and would show such a worker as
// idle.

package control

import (
	"io"
	"sync"
	"time"

	"github.com/felixge/fgprof"
)

// DebugProbes holds registered probe functions.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts a named debug hook.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probes[name] = fn
}

// DumpState returns output of all probes.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]any)
	for k, fn := range dp.probes {
		out[k] = fn()
	}
	return out
}

// WallClockProfile captures an fgprof wall-clock profile over duration and
// writes it in folded-stack format to w.
func WallClockProfile(w io.Writer, duration time.Duration) error {
	stop := fgprof.Start(w, fgprof.FormatFolded)
	time.Sleep(duration)
	return stop()
}
