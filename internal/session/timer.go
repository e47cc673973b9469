package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// AutoLogout is the session timer engine: at most one one-shot timer that fires at the
// token's expiry. Re-arming replaces the armed timer; a superseded timer that already
// fired is ignored through the generation counter.
type AutoLogout struct {
	clock    clockwork.Clock
	onExpire func(immediate bool)

	mu       sync.Mutex
	timer    clockwork.Timer
	deadline time.Time
	gen      uint64
}

// NewAutoLogout returns an unarmed timer engine. onExpire runs without any lock held:
// with immediate=true on the Schedule caller's goroutine when the deadline has already
// passed, otherwise on the timer's goroutine.
func NewAutoLogout(clock clockwork.Clock, onExpire func(immediate bool)) *AutoLogout {
	return &AutoLogout{clock: clock, onExpire: onExpire}
}

// Schedule cancels any armed timer and arms a new one for expiresAt. A deadline at or
// before now expires immediately.
func (a *AutoLogout) Schedule(expiresAt time.Time) {
	a.mu.Lock()
	a.stopLocked()
	a.gen++
	gen := a.gen

	delta := expiresAt.Sub(a.clock.Now())
	if delta <= 0 {
		a.mu.Unlock()
		a.onExpire(true)
		return
	}
	a.deadline = expiresAt
	a.timer = a.clock.AfterFunc(delta, func() { a.fire(gen) })
	a.mu.Unlock()
}

// Cancel disarms the timer without side effects.
func (a *AutoLogout) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	a.gen++
}

// Armed returns the armed deadline, or false when no timer is outstanding.
func (a *AutoLogout) Armed() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer == nil {
		return time.Time{}, false
	}
	return a.deadline, true
}

func (a *AutoLogout) fire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.timer == nil {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.deadline = time.Time{}
	a.mu.Unlock()
	a.onExpire(false)
}

func (a *AutoLogout) stopLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.deadline = time.Time{}
}
