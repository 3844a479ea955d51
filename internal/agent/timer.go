package agent

import "time"

// debounceTimer is the session's single auto-submit timer. Arming replaces
// any pending timer; a fire is honoured only if its generation is current.
// Callers serialize access with the session lock.
type debounceTimer struct {
	t   *time.Timer
	gen uint64
}

// Arm cancels any pending fire and schedules fire(gen) after d.
func (d *debounceTimer) Arm(after time.Duration, fire func(gen uint64)) uint64 {
	d.Cancel()
	gen := d.gen
	d.t = time.AfterFunc(after, func() { fire(gen) })
	return gen
}

// Cancel stops the pending timer and invalidates any fire already in flight.
func (d *debounceTimer) Cancel() {
	if d.t != nil {
		d.t.Stop()
		d.t = nil
	}
	d.gen++
}

// Current reports whether gen belongs to the armed timer.
func (d *debounceTimer) Current(gen uint64) bool {
	return d.t != nil && gen == d.gen
}

// Pending reports whether a fire is scheduled.
func (d *debounceTimer) Pending() bool {
	return d.t != nil
}
