package threading

import "time"

// Clock reports monotonic time. The logic loop reads it once per iteration.
type Clock interface {
	Now() time.Duration
}

// MonotonicClock measures time elapsed since it was created.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock creates a clock anchored at the current instant.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// Now returns the monotonic time elapsed since the clock was created.
func (c *MonotonicClock) Now() time.Duration {
	return time.Since(c.start)
}
