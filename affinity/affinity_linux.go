//go:build linux
// +build linux

// Linux-specific implementation for setting thread CPU affinity.

package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setAffinityPlatform pins the calling OS thread to cpuID via sched_setaffinity(2).
// Callers on a goroutine must have already called runtime.LockOSThread, since Go
// may otherwise migrate the goroutine to a different thread before this takes
// effect.
func setAffinityPlatform(cpuID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: sched_setaffinity: %w", err)
	}
	return nil
}
