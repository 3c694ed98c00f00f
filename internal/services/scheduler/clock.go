package scheduler

import "time"

// Timer is a cancelable pending-timer handle.
type Timer interface {
	// Stop cancels the timer. It reports whether the timer was still pending;
	// false means it already fired or was stopped before.
	Stop() bool
}

// Clock is the timer fabric the scheduler arms events on. The system clock is
// used unless a test swaps in a fake.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
