// Package session owns the client's session lifecycle: login, token-expiry scheduling,
// inactivity monitoring, detection of out-of-band token removal and the transitions
// between anonymous, authenticated and device-recovery states.
package session

import (
	"errors"
	"time"
)

// State is the session state of one client ("tab").
type State string

const (
	StateAnonymous          State = "ANONYMOUS"
	StateAuthenticated      State = "AUTHENTICATED"
	StateRecoveryInProgress State = "RECOVERY_IN_PROGRESS"
)

// Reason tells the login view why the session ended.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonLogoutOK      Reason = "logout_ok"
	ReasonSessionClosed Reason = "session_closed"
)

// Roles carried by the login response.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Tab-store keys.
const (
	TokenKey = "token"
	RoleKey  = "userRole"
)

var (
	// ErrNotAuthenticated is returned by guards and operations that need a session.
	ErrNotAuthenticated = errors.New("session: not authenticated")
	// ErrForbidden is returned by RequireAdmin for non-admin sessions.
	ErrForbidden = errors.New("session: admin role required")
	// ErrInvalidTransition is returned when an operation is not valid in the current state.
	ErrInvalidTransition = errors.New("session: invalid state transition")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: manager closed")
	// ErrEmptyToken is returned when a session is installed without a token.
	ErrEmptyToken = errors.New("session: empty access token")
)

// Event is delivered to subscribers on every state change. A Reason of ReasonLogoutOK or
// ReasonSessionClosed means the shell should show its login view with that reason; Silent
// events (entering a public route while authenticated) carry no user-visible message.
type Event struct {
	State    State
	Previous State
	Reason   Reason
	Silent   bool
	At       time.Time
}

// Snapshot is a consistent read of the session.
type Snapshot struct {
	State             State
	Role              string
	JTI               string
	IssuedAt          time.Time // zero when the token carries no readable iat
	ExpiresAt         time.Time // zero when the token carries no readable exp
	DeviceFingerprint string    // fingerprint sent with the request that created the session
	Warning           WarningState
	RemainingAttempts int
}
