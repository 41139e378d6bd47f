package transport

import "time"

// TimeProvider is an interface for getting the current time.
// This allows injecting a mock time provider for deterministic testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// Clock converts wall time into timestamps relative to a start instant.
type Clock struct {
	tp    TimeProvider
	start time.Time
}

// NewClock starts a clock at the provider's current time. A nil provider
// selects RealTimeProvider.
func NewClock(tp TimeProvider) *Clock {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &Clock{tp: tp, start: tp.Now()}
}

// Elapsed returns the time since the clock started.
func (c *Clock) Elapsed() time.Duration {
	return c.tp.Now().Sub(c.start)
}
