// Package affinity pins the calling OS thread to a logical CPU. The
// scheduler's worker pool uses it, opt-in, to keep each worker thread on a
// fixed core and avoid cross-core cache churn on the shared task queue.
// Platform-specific implementations live in affinity_linux.go,
// affinity_windows.go, affinity_stub.go, guarded by build tags.

package affinity

import "github.com/fiberflow/fiberflow/api"

// SetAffinity pins current OS thread to a given logical CPU/core on supported platforms.
// On unsupported platforms returns an error.
func SetAffinity(cpuID int) error {
	return setAffinityPlatform(cpuID)
}

// Pinner is the zero-value type satisfying api.Affinity: scheduler workers
// that want to pin through the interface rather than the free function hold
// one of these instead of importing affinity directly.
type Pinner struct{}

var _ api.Affinity = Pinner{}

// Pin implements api.Affinity.
func (Pinner) Pin(cpuID int) error { return SetAffinity(cpuID) }
