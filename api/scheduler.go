// Deadline-scheduling contract implemented by timer.Manager.

package api

import "time"

// Cancelable identifies a previously scheduled timer so it can be cancelled
// or refreshed.
type Cancelable interface {
	// Cancel removes the timer. Returns false if it already fired.
	Cancel() bool
}

// TimerScheduler abstracts absolute-deadline callback scheduling, the
// contract timer.Manager satisfies for both the standalone TimerManager use
// case and as the timing half of an IOManager.
type TimerScheduler interface {
	// At schedules fn to run no earlier than deadline.
	At(deadline time.Time, fn func()) Cancelable

	// NextTimeout reports how long until the nearest pending timer fires,
	// or ok=false if no timer is pending.
	NextTimeout() (d time.Duration, ok bool)
}
