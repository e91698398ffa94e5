package clock

import "time"

// Real is a Clock backed by the runtime's monotonic time.Now().
type Real struct{}

// New returns the real, wall-clock-backed Clock.
func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

// SleepUntil blocks until t, using the given clock to re-measure
// remaining time — avoids a single long timer drifting if the
// process is stopped and resumed by a debugger or a container pause.
func SleepUntil(c Clock, t time.Time) {
	for {
		remaining := t.Sub(c.Now())
		if remaining <= 0 {
			return
		}
		c.Sleep(remaining)
	}
}
