package relay

import (
	"sync"
	"time"
)

// watchdog is the per-session idle timer. Arm (re)schedules the fire, Cancel
// disarms permanently. The fire callback posts an event into the owning
// session's loop; the watchdog never performs teardown itself so cleanup has
// a single code path. A fire racing a teardown from another trigger is safe
// because teardown is idempotent.
type watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	stopped bool
}

// newWatchdog starts a watchdog that calls fire after timeout. A
// non-positive timeout disables it entirely.
func newWatchdog(timeout time.Duration, fire func()) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout <= 0 {
		w.stopped = true
		return w
	}
	w.timer = time.AfterFunc(timeout, fire)
	return w
}

// Arm pushes the fire deadline to now + timeout, cancelling any pending fire.
func (w *watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer.Reset(w.timeout)
}

// Cancel disarms the watchdog permanently. Used during teardown.
func (w *watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.timer.Stop()
}
