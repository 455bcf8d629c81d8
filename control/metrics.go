// Runtime metrics collector for system-level monitoring: a generic
// key/value registry for point-in-time gauges, plus HdrHistogram-backed
// latency recorders for the two distributions worth tracking precisely —
// reactor wait time and dispatch latency.

package control

import (
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// MetricsRegistry holds mutable and read-only metrics.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time

	histMu          sync.Mutex
	reactorWait     *hdrhistogram.Histogram
	dispatchLatency *hdrhistogram.Histogram
}

// NewMetricsRegistry creates an empty registry. Histograms track
// microsecond durations from 1us to 10s with 3 significant digits, matching
// the latency range a reactor's Wait/dispatch loop sees in practice.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics:         make(map[string]any),
		reactorWait:     hdrhistogram.New(1, 10_000_000, 3),
		dispatchLatency: hdrhistogram.New(1, 10_000_000, 3),
	}
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// GetSnapshot returns the latest metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}

// RecordReactorWait records one epoll_wait call's observed blocking time.
func (mr *MetricsRegistry) RecordReactorWait(d time.Duration) {
	mr.histMu.Lock()
	_ = mr.reactorWait.RecordValue(d.Microseconds())
	mr.histMu.Unlock()
}

// RecordDispatchLatency records the time between a task's enqueue and the
// moment a worker begins running it.
func (mr *MetricsRegistry) RecordDispatchLatency(d time.Duration) {
	mr.histMu.Lock()
	_ = mr.dispatchLatency.RecordValue(d.Microseconds())
	mr.histMu.Unlock()
}

// LatencySnapshot reports the p50/p99/max of both tracked distributions, in
// microseconds.
type LatencySnapshot struct {
	ReactorWaitP50, ReactorWaitP99, ReactorWaitMax             int64
	DispatchLatencyP50, DispatchLatencyP99, DispatchLatencyMax int64
}

func (mr *MetricsRegistry) LatencySnapshot() LatencySnapshot {
	mr.histMu.Lock()
	defer mr.histMu.Unlock()
	return LatencySnapshot{
		ReactorWaitP50:     mr.reactorWait.ValueAtQuantile(50),
		ReactorWaitP99:     mr.reactorWait.ValueAtQuantile(99),
		ReactorWaitMax:     mr.reactorWait.Max(),
		DispatchLatencyP50: mr.dispatchLatency.ValueAtQuantile(50),
		DispatchLatencyP99: mr.dispatchLatency.ValueAtQuantile(99),
		DispatchLatencyMax: mr.dispatchLatency.Max(),
	}
}
