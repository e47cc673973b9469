package session

import (
	"errors"
	"fmt"

	"naive-pay/client/internal/api"
)

// Backend error codes returned by POST /auth/login.
const (
	CodeBadCredentials     = "BAD_CREDENTIALS"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeAccountBlocked     = "ACCOUNT_BLOCKED"
	CodeDeviceRequired     = "DEVICE_REQUIRED"
	CodeDeviceUnauthorized = "DEVICE_UNAUTHORIZED"
	CodeUnavailable        = "UNAVAILABLE"
)

const blockedNotice = "Tu cuenta ha sido bloqueada por seguridad. Te enviamos un correo con instrucciones para recuperarla."

var loginMessages = map[string]string{
	CodeUserNotFound:       "USUARIO NO EXISTE",
	CodeAccountBlocked:     "CUENTA BLOQUEADA",
	CodeDeviceUnauthorized: "DISPOSITIVO NO AUTORIZADO",
	CodeDeviceRequired:     "DISPOSITIVO REQUERIDO",
	CodeUnavailable:        "SERVICIO NO DISPONIBLE",
}

// LoginError is a classified login failure. Message is the short user-facing text;
// Notice is set for blocked accounts.
type LoginError struct {
	Code              string
	Message           string
	Notice            string
	RemainingAttempts int
	Err               error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("session: login failed: %s", e.Code)
}

func (e *LoginError) Unwrap() error { return e.Err }

// RequiresDeviceLink reports whether the shell should open device recovery for this identifier.
func (e *LoginError) RequiresDeviceLink() bool {
	return e.Code == CodeDeviceRequired || e.Code == CodeDeviceUnauthorized
}

// Blocked reports whether the account is locked.
func (e *LoginError) Blocked() bool { return e.Code == CodeAccountBlocked }

// classifyLoginError maps a failed login to a LoginError given the attempts the user had
// left before this attempt. The backend's remainingAttempts wins over the local count.
func classifyLoginError(err error, remaining int) *LoginError {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || (apiErr.Code == "" && apiErr.Status >= 500) {
		return &LoginError{Code: CodeUnavailable, Message: loginMessages[CodeUnavailable], RemainingAttempts: remaining, Err: err}
	}

	le := &LoginError{Code: apiErr.Code, RemainingAttempts: remaining, Err: err}
	switch apiErr.Code {
	case CodeBadCredentials:
		if apiErr.RemainingAttempts != nil {
			le.RemainingAttempts = *apiErr.RemainingAttempts
		} else {
			le.RemainingAttempts = remaining - 1
		}
		if le.RemainingAttempts < 0 {
			le.RemainingAttempts = 0
		}
		le.Message = fmt.Sprintf("CREDENCIALES INVALIDAS\nTe quedan %d intentos", le.RemainingAttempts)
	case CodeAccountBlocked:
		le.RemainingAttempts = 0
		le.Message = loginMessages[CodeAccountBlocked]
		le.Notice = blockedNotice
	default:
		msg, ok := loginMessages[apiErr.Code]
		if !ok {
			msg = "CREDENCIALES INVALIDAS"
		}
		le.Message = msg
	}
	return le
}
