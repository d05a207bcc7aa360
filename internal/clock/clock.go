// Package clock lets session expiry and the janitor run against a fake time
// source in tests.
package clock

import "time"

// Clock is the time source used for access stamps and sweep decisions.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real reads the wall clock.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Since reports the time elapsed since t according to c.
func Since(c Clock, t time.Time) time.Duration {
	if c == nil {
		c = Real{}
	}
	return c.Now().Sub(t)
}
