package coil

import "time"

// Clock supplies strictly monotonic time in seconds. All kernel deadlines
// are absolute readings of one Clock.
type Clock interface {
	Now() float64
}

// monotonicClock reads the process monotonic clock relative to a fixed
// origin, so readings never go backward and stay well inside float64
// integer precision.
type monotonicClock struct {
	origin time.Time
}

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{origin: time.Now()}
}

func (c *monotonicClock) Now() float64 {
	return time.Since(c.origin).Seconds()
}
