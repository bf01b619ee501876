package clock

import "time"

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	// After returns a channel that delivers the current time once d has
	// elapsed, like time.After.
	After(d time.Duration) <-chan time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// After waits on the system timer.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Mock is a Clock that returns a fixed time. Its After channel is driven by
// the test: send on Ch to release a waiter, or leave Ch nil to block waiters
// forever.
type Mock struct {
	T  time.Time
	Ch chan time.Time
}

// Now returns the fixed time.
func (m Mock) Now() time.Time { return m.T }

// After ignores the duration and returns the hand-driven channel.
func (m Mock) After(time.Duration) <-chan time.Time {
	if m.Ch == nil {
		return make(chan time.Time)
	}
	return m.Ch
}
