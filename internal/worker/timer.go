package worker

import "time"

// Timer is a one-shot or repeating callback that fires on its owning
// Worker's loop goroutine (spec §4.1).
type Timer struct {
	id       int64
	interval time.Duration
	repeat   bool
	fn       func()
	next     time.Time
	w        *Worker
}

// Cancel stops the timer. Safe to call from inside the timer's own
// callback or from any other job running on the same worker; the loop's
// black-list set (see Worker.fireTimers) makes it safe even if the timer
// is already due to fire in the current dispatch pass.
func (t *Timer) Cancel() {
	t.w.cancelTimer(t.id)
}

// Reset pushes a pending timer's next fire back to one full interval from
// now. It has no effect on a one-shot timer that has already fired or on a
// cancelled timer: neither is re-armed.
func (t *Timer) Reset() {
	t.w.resetTimer(t.id)
}
