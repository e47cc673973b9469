package api

// LoginRequest is the body of POST /auth/login. Identifier is an email or national id.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// LoginResponse is returned by login and by device-recovery verification.
type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   string `json:"expiresAt"`
	JTI         string `json:"jti"`
	Role        string `json:"role"`
}

// SessionStatus is returned by GET /auth/session-status. Values are whole minutes,
// clamped at zero by the backend.
type SessionStatus struct {
	MinutesRemaining          *int64 `json:"minutesRemaining"`
	MinutesUntilInactivity    *int64 `json:"minutesUntilInactivity"`
	MinutesUntilMaxExpiration *int64 `json:"minutesUntilMaxExpiration"`
}

// Remaining returns minutesRemaining, falling back to minutesUntilInactivity.
// ok is false when the backend sent neither.
func (s *SessionStatus) Remaining() (minutes int64, ok bool) {
	if s == nil {
		return 0, false
	}
	if s.MinutesRemaining != nil {
		return *s.MinutesRemaining, true
	}
	if s.MinutesUntilInactivity != nil {
		return *s.MinutesUntilInactivity, true
	}
	return 0, false
}

// MessageResponse is the generic {message} body.
type MessageResponse struct {
	Message string `json:"message"`
}

// RecoveryStarted is returned by POST /api/devices/recover/request.
type RecoveryStarted struct {
	Message    string `json:"message"`
	RecoveryID string `json:"recoveryId"`
}

type passwordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code,omitempty"`
	NewPassword string `json:"newPassword,omitempty"`
}

type recoverRequest struct {
	Identifier string `json:"identifier"`
}

type recoverVerify struct {
	RecoveryID string `json:"recoveryId"`
	Code       string `json:"code"`
}
