// Package clock abstracts wall time and one-shot timers so that debounce and
// turn-closure logic can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used by admission and dispatch components.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (or synchronously for fakes)
	// once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable handle returned by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Real is the system clock.
type Real struct{}

// New returns the system clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
