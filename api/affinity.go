// Thread-pinning contract, implemented by the affinity package.

package api

// Affinity controls which logical CPU the calling OS thread runs on. The
// scheduler's worker pool uses it, opt-in, so each worker keeps a fixed
// core instead of drifting and thrashing shared-queue cache lines.
type Affinity interface {
	// Pin locks the current OS thread to cpuID.
	Pin(cpuID int) error
}
