package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// WarningState is the inactivity warning as shown to the user.
type WarningState struct {
	Visible          bool
	RemainingSeconds int
}

// Warning is the inactivity warning with its countdown. At most one warning is visible;
// when the countdown reaches zero onTimeout runs once.
type Warning struct {
	clock     clockwork.Clock
	duration  time.Duration
	onChange  func(WarningState)
	onTimeout func()

	mu        sync.Mutex
	visible   bool
	remaining int
	ticker    clockwork.Ticker
	stop      chan struct{}
	gen       uint64
}

// NewWarning returns a hidden warning whose countdown lasts duration (whole seconds).
// onChange runs from the countdown goroutine on every tick and when the countdown hides
// the warning; Show and Hide leave notification to their caller. Both callbacks run
// without the lock.
func NewWarning(clock clockwork.Clock, duration time.Duration, onChange func(WarningState), onTimeout func()) *Warning {
	if duration < time.Second {
		duration = defaultWarningThreshold
	}
	return &Warning{clock: clock, duration: duration, onChange: onChange, onTimeout: onTimeout}
}

// Show makes the warning visible and starts the countdown. It returns false when a
// warning is already visible.
func (w *Warning) Show() bool {
	w.mu.Lock()
	if w.visible {
		w.mu.Unlock()
		return false
	}
	w.visible = true
	w.remaining = int(w.duration / time.Second)
	w.gen++
	gen := w.gen
	w.ticker = w.clock.NewTicker(time.Second)
	w.stop = make(chan struct{})
	ticker, stop := w.ticker, w.stop
	w.mu.Unlock()

	go w.countdown(ticker, stop, gen)
	return true
}

// Hide stops the countdown and reports whether a warning was visible.
func (w *Warning) Hide() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.visible {
		return false
	}
	w.hideLocked()
	return true
}

// State returns the current warning state.
func (w *Warning) State() WarningState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked()
}

func (w *Warning) countdown(ticker clockwork.Ticker, stop <-chan struct{}, gen uint64) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}
		w.mu.Lock()
		if gen != w.gen || !w.visible {
			w.mu.Unlock()
			return
		}
		w.remaining--
		if w.remaining > 0 {
			state := w.stateLocked()
			w.mu.Unlock()
			w.notify(state)
			continue
		}
		w.hideLocked()
		state := w.stateLocked()
		w.mu.Unlock()
		w.notify(state)
		if w.onTimeout != nil {
			w.onTimeout()
		}
		return
	}
}

func (w *Warning) hideLocked() {
	if w.ticker != nil {
		w.ticker.Stop()
		w.ticker = nil
	}
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
	w.visible = false
	w.remaining = 0
	w.gen++
}

func (w *Warning) stateLocked() WarningState {
	return WarningState{Visible: w.visible, RemainingSeconds: w.remaining}
}

func (w *Warning) notify(s WarningState) {
	if w.onChange != nil {
		w.onChange(s)
	}
}
