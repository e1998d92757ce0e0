package jobs

import "time"

// SweepNow runs one timeout sweep against the given clock reading, letting
// tests exercise timeouts without waiting for the ticker.
func (t *Tracker) SweepNow(now time.Time) {
	t.sweepTimeouts(now)
}
