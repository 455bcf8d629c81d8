// Package control is the runtime's ambient stack: dynamic configuration,
// hot-reload propagation, HdrHistogram-backed latency metrics, and debug
// probe/profile introspection for the fiber/scheduler/timer/ioreactor core.
package control
