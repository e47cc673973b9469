package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"naive-pay/client/internal/api"
	"naive-pay/client/internal/log"
	"naive-pay/client/internal/security"
	"naive-pay/client/internal/storage"
	"naive-pay/client/internal/telemetry"
	"naive-pay/client/internal/telemetry/domain"
)

// DefaultMaxLoginAttempts is the attempt budget shown before the backend reports one.
const DefaultMaxLoginAttempts = 5

// Backend is the subset of the API client the session lifecycle needs.
type Backend interface {
	Login(ctx context.Context, req api.LoginRequest) (*api.LoginResponse, error)
	LogoutBestEffort(ctx context.Context, token string) error
	SessionStatus(ctx context.Context) (*api.SessionStatus, error)
}

// Authorizer is the request interceptor: it reads the bearer token from the manager and
// reports 401 responses back to it.
type Authorizer interface {
	SetTokenSource(fn func() string)
	SetUnauthorizedHandler(fn func(*http.Request))
}

// Options configures a Manager. Backend and Store are required.
type Options struct {
	Backend    Backend
	Authorizer Authorizer
	// Store is the tab-scoped store holding the token and role.
	Store storage.Store
	// WatchDir is the directory backing Store; empty disables file notifications.
	WatchDir    string
	Fingerprint func() string
	Clock       clockwork.Clock

	PollInterval     time.Duration
	WarningThreshold time.Duration
	WatchInterval    time.Duration
	MaxLoginAttempts int

	Emitter telemetry.EventEmitter
	Metrics *telemetry.Metrics
	// OnWarning receives inactivity warning updates: show, every countdown second and hide.
	OnWarning func(WarningState)
}

// Manager is the session state machine of one tab. It owns the token, the expiry timer,
// the inactivity monitor and its warning, and the watcher for out-of-band token changes.
//
// Lock order: mu may be held while calling into the timer, monitor and warning. Their
// callbacks run without their own locks and acquire mu afterwards.
type Manager struct {
	backend     Backend
	store       storage.Store
	clock       clockwork.Clock
	emitter     telemetry.EventEmitter
	metrics     *telemetry.Metrics
	fingerprint func() string
	onWarning   func(WarningState)
	maxAttempts int
	logger      zerolog.Logger

	timer   *AutoLogout
	monitor *InactivityMonitor
	warning *Warning
	watcher *TokenWatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	token     string
	role      string
	jti       string
	issuedAt  time.Time
	expiresAt time.Time
	deviceFP  string
	remaining int
	closed    bool
	subs      map[int]func(Event)
	nextSub   int
}

// NewManager builds a Manager and restores a token already present in the tab store.
func NewManager(opts Options) (*Manager, error) {
	if opts.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxLoginAttempts <= 0 {
		opts.MaxLoginAttempts = DefaultMaxLoginAttempts
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = defaultWarningThreshold
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		backend:     opts.Backend,
		store:       opts.Store,
		clock:       opts.Clock,
		emitter:     opts.Emitter,
		metrics:     opts.Metrics,
		fingerprint: opts.Fingerprint,
		onWarning:   opts.OnWarning,
		maxAttempts: opts.MaxLoginAttempts,
		logger:      log.Component("session"),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateAnonymous,
		remaining:   opts.MaxLoginAttempts,
		subs:        make(map[int]func(Event)),
	}
	// Expiry is handled off the caller's goroutine so Schedule is safe under mu.
	m.timer = NewAutoLogout(m.clock, func(bool) { go m.expire() })
	m.monitor = NewInactivityMonitor(m.backend, m.clock, opts.PollInterval, opts.WarningThreshold, m.warn, m.invalidated)
	m.warning = NewWarning(m.clock, opts.WarningThreshold, m.notifyWarning, m.warningTimedOut)
	m.watcher = NewTokenWatcher(opts.WatchDir, TokenKey, m.clock, opts.WatchInterval, m.checkStoredToken)

	if opts.Authorizer != nil {
		opts.Authorizer.SetTokenSource(m.accessToken)
		opts.Authorizer.SetUnauthorizedHandler(m.unauthorized)
	}

	token, ok, err := m.store.Get(TokenKey)
	if err != nil {
		m.logger.Warn().Err(err).Msg("session: failed to read stored token")
	}
	if ok && token != "" {
		role, _, _ := m.store.Get(RoleKey)
		if err := m.install(ctx, installRequest{Token: token, Role: role, Type: domain.EventRestored}); err != nil {
			cancel()
			return nil, err
		}
	}
	return m, nil
}

// Login authenticates against the backend and installs the returned session. Failures
// come back as *LoginError with the user-facing message and the remaining attempts.
func (m *Manager) Login(ctx context.Context, identifier, password string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	remaining := m.remaining
	m.mu.Unlock()

	resp, err := m.backend.Login(ctx, api.LoginRequest{Identifier: strings.TrimSpace(identifier), Password: password})
	if err != nil {
		le := classifyLoginError(err, remaining)
		m.mu.Lock()
		m.remaining = le.RemainingAttempts
		state := m.state
		m.mu.Unlock()

		m.logger.Info().Str("code", le.Code).Int("remaining_attempts", le.RemainingAttempts).Msg("session: login rejected")
		evt := m.newEvent(domain.EventLoginFailed, state, state, ReasonNone, "", "")
		evt.Metadata = map[string]string{"code": le.Code}
		telemetry.EmitAsync(m.emitter, ctx, evt)
		return le
	}
	return m.install(ctx, installRequest{
		Token:   resp.AccessToken,
		Role:    resp.Role,
		JTI:     resp.JTI,
		Type:    domain.EventLogin,
		Persist: true,
	})
}

// RestoreSession installs a session issued outside the login form, such as the token
// returned by device-recovery verification.
func (m *Manager) RestoreSession(ctx context.Context, token, role string) error {
	return m.install(ctx, installRequest{Token: token, Role: role, Type: domain.EventDeviceLinked, Persist: true})
}

// Logout ends the session locally, asks the backend to revoke the token and emits an
// event with ReasonLogoutOK. Backend failures are logged, never returned.
func (m *Manager) Logout(ctx context.Context) error {
	m.end(ctx, endRequest{Reason: ReasonLogoutOK, Type: domain.EventLogout, Logout: true})
	return nil
}

// LogoutSilent is Logout with a Silent event: the shell shows no message.
func (m *Manager) LogoutSilent(ctx context.Context) error {
	m.end(ctx, endRequest{Reason: ReasonLogoutOK, Silent: true, Type: domain.EventLogout, Logout: true})
	return nil
}

// Clear drops the session locally without calling the backend. Clearing an anonymous
// session is a no-op and emits nothing.
func (m *Manager) Clear() {
	m.end(m.ctx, endRequest{Type: domain.EventCleared})
}

// EnterPublicRoute ends an authenticated session silently before a public view (login,
// password reset, device recovery) is shown. Other states are left untouched.
func (m *Manager) EnterPublicRoute(ctx context.Context) error {
	if m.State() != StateAuthenticated {
		return nil
	}
	return m.LogoutSilent(ctx)
}

// BeginRecovery moves an anonymous tab into device recovery, silently ending an
// authenticated session first.
func (m *Manager) BeginRecovery(ctx context.Context) error {
	if err := m.EnterPublicRoute(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state {
	case StateRecoveryInProgress:
		m.mu.Unlock()
		return nil
	case StateAuthenticated:
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.state = StateRecoveryInProgress
	m.mu.Unlock()

	m.publish(ctx, transition{
		Event: Event{State: StateRecoveryInProgress, Previous: StateAnonymous, At: m.clock.Now()},
		Type:  domain.EventRecoveryStarted,
	})
	return nil
}

// AbortRecovery returns a tab in device recovery to anonymous.
func (m *Manager) AbortRecovery() {
	m.mu.Lock()
	if m.closed || m.state != StateRecoveryInProgress {
		m.mu.Unlock()
		return
	}
	m.state = StateAnonymous
	m.mu.Unlock()

	m.publish(m.ctx, transition{
		Event: Event{State: StateAnonymous, Previous: StateRecoveryInProgress, At: m.clock.Now()},
		Type:  domain.EventRecoveryAborted,
	})
}

// Continue answers the inactivity warning: it hides the warning and reports activity to
// the backend.
func (m *Manager) Continue(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateAuthenticated {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}
	hidden := m.warning.Hide()
	m.mu.Unlock()

	if hidden {
		m.notifyWarning(WarningState{})
	}
	return m.monitor.ResetActivity(ctx)
}

// RequireAuthenticated guards operations that need a session.
func (m *Manager) RequireAuthenticated() error {
	if m.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	return nil
}

// RequireAdmin guards admin-only operations.
func (m *Manager) RequireAdmin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return ErrNotAuthenticated
	}
	if m.role != RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Role returns the role of the current session, or "" when anonymous.
func (m *Manager) Role() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// IsAdmin reports whether the current session has the admin role.
func (m *Manager) IsAdmin() bool { return m.Role() == RoleAdmin }

// Snapshot returns a consistent view of the session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:             m.state,
		Role:              m.role,
		JTI:               m.jti,
		IssuedAt:          m.issuedAt,
		ExpiresAt:         m.expiresAt,
		DeviceFingerprint: m.deviceFP,
		Warning:           m.warning.State(),
		RemainingAttempts: m.remaining,
	}
}

// Subscribe registers fn for every state change and returns its cancel function. fn runs
// on the goroutine that caused the change, without the manager's lock.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Run watches the tab store for token changes made by other processes until ctx is done
// or the manager is closed.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()
	return m.watcher.Run(ctx)
}

// Close stops every timer and poller. The stored token is left in place.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.timer.Cancel()
	m.monitor.Stop()
	m.warning.Hide()
	m.subs = map[int]func(Event){}
	m.mu.Unlock()
	m.cancel()
}

type installRequest struct {
	Token   string
	Role    string
	JTI     string
	Type    string
	Persist bool
	// IfCurrent, when non-nil, installs only while the session token still equals it.
	IfCurrent *string
}

type transition struct {
	Event
	Type string
	Role string
	JTI  string
}

func (m *Manager) install(ctx context.Context, req installRequest) error {
	if req.Token == "" {
		return ErrEmptyToken
	}
	var issuedAt, expiresAt time.Time
	claims, err := security.ParseClaims(req.Token)
	if err != nil {
		m.logger.Warn().Msg("session: access token is not readable, auto-logout not armed")
	} else {
		if exp, ok := claims.Expiry(); ok {
			expiresAt = exp.UTC()
		}
		if iat, ok := claims.Issued(); ok {
			issuedAt = iat.UTC()
		}
		if req.Role == "" {
			req.Role = claims.Role
		}
		if req.JTI == "" {
			req.JTI = claims.ID
		}
	}

	var fingerprint string
	if m.fingerprint != nil {
		fingerprint = m.fingerprint()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if req.IfCurrent != nil && m.token != *req.IfCurrent {
		m.mu.Unlock()
		return nil
	}
	if req.Persist {
		if err := m.store.Set(TokenKey, req.Token); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("session: persist token: %w", err)
		}
		if req.Role != "" {
			err = m.store.Set(RoleKey, req.Role)
		} else {
			err = m.store.Remove(RoleKey)
		}
		if err != nil {
			m.logger.Warn().Err(err).Msg("session: failed to persist role")
		}
	}

	now := m.clock.Now()
	prev := m.state
	m.state = StateAuthenticated
	m.token, m.role, m.jti, m.expiresAt = req.Token, req.Role, req.JTI, expiresAt
	m.issuedAt, m.deviceFP = issuedAt, fingerprint
	m.remaining = m.maxAttempts
	hidden := m.warning.Hide()

	ts := []transition{{
		Event: Event{State: StateAuthenticated, Previous: prev, At: now},
		Type:  req.Type, Role: req.Role, JTI: req.JTI,
	}}
	if !expiresAt.IsZero() && !expiresAt.After(now) {
		m.clearLocked()
		ts = append(ts, transition{
			Event: Event{State: StateAnonymous, Previous: StateAuthenticated, Reason: ReasonSessionClosed, At: now},
			Type:  domain.EventExpired, Role: req.Role, JTI: req.JTI,
		})
	} else {
		if expiresAt.IsZero() {
			m.timer.Cancel()
		} else {
			m.timer.Schedule(expiresAt)
		}
		m.monitor.Start(m.ctx)
	}
	m.mu.Unlock()

	if hidden {
		m.notifyWarning(WarningState{})
	}
	for _, t := range ts {
		m.publish(ctx, t)
	}
	return nil
}

type endRequest struct {
	Reason Reason
	Silent bool
	Type   string
	// Logout asks the backend to revoke the ended token.
	Logout bool
	// IfToken, when set, ends the session only while its token still equals IfToken.
	IfToken string
}

type cleared struct {
	prev    State
	token   string
	role    string
	jti     string
	changed bool
	hidden  bool
}

// end clears the session locally first, then revokes the old token, then notifies.
func (m *Manager) end(ctx context.Context, req endRequest) {
	m.mu.Lock()
	if m.closed || (req.IfToken != "" && m.token != req.IfToken) {
		m.mu.Unlock()
		return
	}
	c := m.clearLocked()
	m.mu.Unlock()

	if c.hidden {
		m.notifyWarning(WarningState{})
	}
	if !c.changed {
		return
	}
	if req.Logout && c.token != "" {
		if err := m.backend.LogoutBestEffort(context.WithoutCancel(ctx), c.token); err != nil {
			m.logger.Debug().Err(err).Msg("session: best-effort logout failed")
		}
	}
	m.publish(ctx, transition{
		Event: Event{State: StateAnonymous, Previous: c.prev, Reason: req.Reason, Silent: req.Silent, At: m.clock.Now()},
		Type:  req.Type, Role: c.role, JTI: c.jti,
	})
}

// clearLocked resets the session to anonymous. The token field is emptied before the
// stored keys go so the watcher never mistakes this for an out-of-band removal.
func (m *Manager) clearLocked() cleared {
	c := cleared{
		prev:    m.state,
		token:   m.token,
		role:    m.role,
		jti:     m.jti,
		changed: m.state != StateAnonymous || m.token != "",
	}
	m.state = StateAnonymous
	m.token, m.role, m.jti, m.expiresAt = "", "", "", time.Time{}
	m.issuedAt, m.deviceFP = time.Time{}, ""
	m.timer.Cancel()
	m.monitor.Stop()
	c.hidden = m.warning.Hide()

	if err := m.store.Remove(TokenKey); err != nil {
		m.logger.Warn().Err(err).Msg("session: failed to remove stored token")
	}
	if err := m.store.Remove(RoleKey); err != nil {
		m.logger.Warn().Err(err).Msg("session: failed to remove stored role")
	}
	return c
}

func (m *Manager) accessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// expire runs when the expiry timer fires. A timer left over from a replaced session
// re-arms for the current deadline instead of ending the session.
func (m *Manager) expire() {
	m.mu.Lock()
	token, expiresAt := m.token, m.expiresAt
	if token == "" || expiresAt.IsZero() || m.closed {
		m.mu.Unlock()
		return
	}
	if m.clock.Now().Before(expiresAt) {
		m.timer.Schedule(expiresAt)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Info().Msg("session: access token expired")
	m.end(m.ctx, endRequest{Reason: ReasonSessionClosed, Type: domain.EventExpired, Logout: true, IfToken: token})
}

func (m *Manager) warn(remaining time.Duration) {
	m.mu.Lock()
	if m.state != StateAuthenticated {
		m.mu.Unlock()
		return
	}
	shown := m.warning.Show()
	state := m.warning.State()
	role, jti := m.role, m.jti
	m.mu.Unlock()
	if !shown {
		return
	}

	m.notifyWarning(state)
	m.metrics.RecordWarning(m.ctx)
	evt := m.newEvent(domain.EventInactivityWarning, StateAuthenticated, StateAuthenticated, ReasonNone, role, jti)
	evt.Metadata = map[string]string{"remaining_seconds": fmt.Sprint(int(remaining / time.Second))}
	telemetry.EmitAsync(m.emitter, m.ctx, evt)
}

func (m *Manager) warningTimedOut() {
	m.logger.Info().Msg("session: inactivity countdown elapsed")
	m.end(m.ctx, endRequest{Reason: ReasonSessionClosed, Type: domain.EventInactivityTimeout, Logout: true})
}

// invalidated runs when the status poll is rejected: the server already dropped the session.
func (m *Manager) invalidated() {
	m.end(m.ctx, endRequest{Reason: ReasonSessionClosed, Type: domain.EventUnauthorized})
}

// unauthorized handles a 401 seen by the interceptor. Only a rejection of the current
// token ends the session; responses to requests sent with an older token are ignored.
func (m *Manager) unauthorized(req *http.Request) {
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return
	}
	m.end(m.ctx, endRequest{Reason: ReasonSessionClosed, Type: domain.EventUnauthorized, IfToken: token})
}

// checkStoredToken reconciles the in-memory session with the tab store after another
// process may have changed it.
func (m *Manager) checkStoredToken(ctx context.Context) {
	m.mu.Lock()
	stored, ok, err := m.store.Get(TokenKey)
	known := m.token
	m.mu.Unlock()
	if err != nil {
		m.logger.Debug().Err(err).Msg("session: failed to read stored token")
		return
	}
	if !ok {
		stored = ""
	}

	switch {
	case known != "" && stored == "":
		m.logger.Info().Msg("session: token removed outside this process")
		m.end(ctx, endRequest{Reason: ReasonLogoutOK, Type: domain.EventExternalLogout, Logout: true, IfToken: known})
	case stored != "" && stored != known:
		role, _, _ := m.store.Get(RoleKey)
		m.logger.Info().Msg("session: adopting token written outside this process")
		if err := m.install(ctx, installRequest{Token: stored, Role: role, Type: domain.EventRestored, IfCurrent: &known}); err != nil {
			m.logger.Warn().Err(err).Msg("session: failed to adopt stored token")
		}
	}
}

func (m *Manager) notifyWarning(s WarningState) {
	if m.onWarning != nil {
		m.onWarning(s)
	}
}

func (m *Manager) publish(ctx context.Context, t transition) {
	m.mu.Lock()
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(t.Event)
	}

	m.logger.Debug().
		Str("from", string(t.Previous)).
		Str("to", string(t.State)).
		Str("reason", string(t.Reason)).
		Bool("silent", t.Silent).
		Msg("session: transition")
	m.metrics.RecordTransition(ctx, string(t.Previous), string(t.State), string(t.Reason))

	evt := m.newEvent(t.Type, t.Previous, t.State, t.Reason, t.Role, t.JTI)
	if t.Silent {
		evt.Metadata = map[string]string{"silent": "true"}
	}
	telemetry.EmitAsync(m.emitter, ctx, evt)
}

func (m *Manager) newEvent(eventType string, from, to State, reason Reason, role, jti string) *domain.Event {
	evt := domain.NewEvent(eventType, m.clock.Now())
	evt.FromState = string(from)
	evt.ToState = string(to)
	evt.Reason = string(reason)
	evt.Role = role
	evt.SessionID = jti
	if m.fingerprint != nil {
		evt.DeviceFingerprint = m.fingerprint()
	}
	return evt
}
