// Package recovery implements the two flows a user runs without a session: linking the
// current device to an account (device recovery) and resetting a forgotten password.
package recovery

import (
	"errors"
	"fmt"

	"naive-pay/client/internal/api"
)

var (
	// ErrInvalidStep is returned when an operation does not belong to the flow's current step.
	ErrInvalidStep = errors.New("recovery: operation not valid in the current step")
	// ErrEmptyIdentifier is returned for a blank email or national id.
	ErrEmptyIdentifier = errors.New("recovery: identifier is required")
	// ErrInvalidEmail is returned when the password flow is started with a malformed email.
	ErrInvalidEmail = errors.New("recovery: invalid email address")
	// ErrInvalidCode is returned when a code is not exactly six digits.
	ErrInvalidCode = errors.New("recovery: code must be 6 digits")
	// ErrPasswordTooShort is returned for new passwords under MinPasswordLength characters.
	ErrPasswordTooShort = errors.New("recovery: password too short")
	// ErrPasswordMismatch is returned when the confirmation differs from the new password.
	ErrPasswordMismatch = errors.New("recovery: passwords do not match")
)

// Error is a failed backend step. Code is the backend's error code when it sent one;
// Message is the text shown to the user.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("recovery: %s", e.Code)
	}
	return fmt.Sprintf("recovery: %s", e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// errorKey returns the backend's error code, or its message when no code was sent.
func errorKey(err error) string {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		return ""
	}
	if apiErr.Code != "" {
		return apiErr.Code
	}
	return apiErr.Message
}
