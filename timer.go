package sipevents

import "time"

// Timer is a one-shot timer that can be cancelled before it fires.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Clock schedules one-shot timers and reads the current time. Subscriptions
// take a Clock instead of calling the time package directly so tests can
// drive expiration with a virtual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type wallClock struct{}

// NewWallClock returns a Clock backed by the time package.
func NewWallClock() Clock {
	return wallClock{}
}

func (wallClock) Now() time.Time {
	return time.Now()
}

func (wallClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
