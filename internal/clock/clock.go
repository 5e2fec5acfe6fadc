// Package clock lets the coordinator and the journal wait on time without
// binding tests to the wall clock.
package clock

import "time"

// Clock is the time source for the ack window, the resume grace and
// journal backoff.
type Clock interface {
	Now() time.Time
	// After fires once d has elapsed on this clock.
	After(d time.Duration) <-chan time.Time
	// Sleep blocks the caller until d has elapsed on this clock.
	Sleep(d time.Duration)
}

// Real is the wall clock. Timestamps are UTC so journal rows and events
// compare across hosts.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) Sleep(d time.Duration) { time.Sleep(d) }
