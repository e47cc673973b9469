package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the session client.
const (
	EventLogin             = "session.login"
	EventLoginFailed       = "session.login_failed"
	EventRestored          = "session.restored"
	EventLogout            = "session.logout"
	EventCleared           = "session.cleared"
	EventExpired           = "session.expired"
	EventInactivityTimeout = "session.inactivity_timeout"
	EventUnauthorized      = "session.unauthorized"
	EventExternalLogout    = "session.external_logout"
	EventRecoveryStarted   = "device.recovery_started"
	EventRecoveryAborted   = "device.recovery_aborted"
	EventDeviceLinked      = "device.linked"
	EventInactivityWarning = "session.inactivity_warning"
	EventPasswordReset     = "account.password_reset"
)

// SourceCLI identifies events emitted by the naivepay command.
const SourceCLI = "naivepay-cli"

// Event is a session lifecycle event (one per state transition). It never carries
// access tokens, passwords or verification codes.
type Event struct {
	ID                string            `json:"id"`
	EventType         string            `json:"eventType"`
	Source            string            `json:"source"`
	FromState         string            `json:"fromState,omitempty"`
	ToState           string            `json:"toState,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	Role              string            `json:"role,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"` // token jti
	DeviceFingerprint string            `json:"deviceFingerprint,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// NewEvent returns an Event of the given type with a fresh id and timestamp.
func NewEvent(eventType string, at time.Time) *Event {
	return &Event{
		ID:        uuid.New().String(),
		EventType: eventType,
		Source:    SourceCLI,
		CreatedAt: at.UTC(),
	}
}
