package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"naive-pay/client/internal/api"
	"naive-pay/client/internal/log"
)

const (
	defaultPollInterval     = 60 * time.Second
	defaultWarningThreshold = time.Minute
)

// StatusChecker reads the server-side session status.
type StatusChecker interface {
	SessionStatus(ctx context.Context) (*api.SessionStatus, error)
}

// InactivityMonitor polls the session-status endpoint and raises a warning once when the
// remaining time drops to the threshold. A 401 stops polling and reports the session as
// already invalid; other errors are logged and polling continues.
type InactivityMonitor struct {
	checker   StatusChecker
	clock     clockwork.Clock
	interval  time.Duration
	threshold time.Duration
	onWarn    func(remaining time.Duration)
	onInvalid func()
	logger    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	gen     uint64
	running bool
	shown   bool
}

// NewInactivityMonitor returns a stopped monitor. Callbacks run without the monitor's lock.
func NewInactivityMonitor(checker StatusChecker, clock clockwork.Clock, interval, threshold time.Duration,
	onWarn func(remaining time.Duration), onInvalid func(),
) *InactivityMonitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if threshold <= 0 {
		threshold = defaultWarningThreshold
	}
	return &InactivityMonitor{
		checker:   checker,
		clock:     clock,
		interval:  interval,
		threshold: threshold,
		onWarn:    onWarn,
		onInvalid: onInvalid,
		logger:    log.Component("inactivity"),
	}
}

// Start stops any previous poller and begins polling every interval.
func (m *InactivityMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	gen := m.gen
	ticker := m.clock.NewTicker(m.interval)
	go m.loop(ctx, ticker, gen)
}

// Stop cancels polling and clears the shown flag. It does not wait for an in-flight poll;
// its result is discarded.
func (m *InactivityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Running reports whether the monitor is polling.
func (m *InactivityMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ResetActivity issues one status request, which the backend counts as activity, and
// clears the shown flag so a later warning can fire again.
func (m *InactivityMonitor) ResetActivity(ctx context.Context) error {
	_, err := m.checker.SessionStatus(ctx)
	m.mu.Lock()
	m.shown = false
	m.mu.Unlock()
	return err
}

func (m *InactivityMonitor) stopLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	m.running = false
	m.shown = false
}

func (m *InactivityMonitor) loop(ctx context.Context, ticker clockwork.Ticker, gen uint64) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !m.poll(ctx, gen) {
				return
			}
		}
	}
}

// poll returns false when polling must stop.
func (m *InactivityMonitor) poll(ctx context.Context, gen uint64) bool {
	status, err := m.checker.SessionStatus(ctx)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	if err != nil {
		if api.IsUnauthorized(err) {
			m.stopLocked()
			m.mu.Unlock()
			m.logger.Info().Msg("inactivity: session rejected by server")
			if m.onInvalid != nil {
				m.onInvalid()
			}
			return false
		}
		m.mu.Unlock()
		if ctx.Err() == nil {
			m.logger.Debug().Err(err).Msg("inactivity: status poll failed")
		}
		return true
	}

	minutes, ok := status.Remaining()
	remaining := time.Duration(minutes) * time.Minute
	if !ok || remaining > m.threshold || m.shown {
		m.mu.Unlock()
		return true
	}
	m.shown = true
	m.mu.Unlock()

	if m.onWarn != nil {
		m.onWarn(remaining)
	}
	return true
}
