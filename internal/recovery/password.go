package recovery

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"naive-pay/client/internal/api"
	"naive-pay/client/internal/log"
	"naive-pay/client/internal/telemetry"
	"naive-pay/client/internal/telemetry/domain"
)

// MinPasswordLength is the shortest password the backend accepts.
const MinPasswordLength = 8

// Password recovery steps.
type PasswordStep string

const (
	PasswordStepEmail PasswordStep = "EMAIL"
	PasswordStepCode  PasswordStep = "CODE"
	PasswordStepReset PasswordStep = "RESET"
	PasswordStepDone  PasswordStep = "DONE"
)

// Backend error codes of the password endpoints.
const (
	CodeInvalidCode      = "INVALID_CODE"
	CodeCodeExpired      = "CODE_EXPIRED"
	CodeCodeAlreadyUsed  = "CODE_ALREADY_USED"
	CodePasswordTooShort = "PASSWORD_TOO_SHORT"
)

const msgRequestCodeFailed = "Error al enviar codigo. Intenta nuevamente."

var codePattern = regexp.MustCompile(`^\d{6}$`)

// The verify and reset screens word the same codes differently.
var (
	verifyMessages = map[string]string{
		CodeInvalidCode:     "Código inválido o expirado",
		CodeCodeExpired:     "El código ha expirado (10 minutos)",
		CodeCodeAlreadyUsed: "Este código ya fue utilizado",
	}
	verifyFallback = "No pudimos validar el código. Intenta nuevamente."

	resetMessages = map[string]string{
		CodeInvalidCode:      "Codigo invalido o expirado",
		CodeCodeAlreadyUsed:  "Este codigo ya fue utilizado",
		CodeCodeExpired:      "El codigo ha expirado (10 minutos)",
		CodePasswordTooShort: "La contrasena debe tener al menos 8 caracteres",
	}
	resetFallback = "Error al cambiar contrasena. Verifica el codigo."
)

// PasswordBackend is the password-recovery part of the API client.
type PasswordBackend interface {
	RequestPasswordReset(ctx context.Context, email string) (*api.MessageResponse, error)
	VerifyPasswordCode(ctx context.Context, email, code string) (*api.MessageResponse, error)
	ResetPassword(ctx context.Context, email, code, newPassword string) (*api.MessageResponse, error)
}

// PasswordFlow resets a forgotten password: EMAIL -> CODE -> RESET -> DONE.
type PasswordFlow struct {
	backend PasswordBackend
	emitter telemetry.EventEmitter
	logger  zerolog.Logger

	mu    sync.Mutex
	step  PasswordStep
	email string
	code  string
}

// NewPasswordFlow returns a flow in EMAIL. emitter may be nil.
func NewPasswordFlow(backend PasswordBackend, emitter telemetry.EventEmitter) *PasswordFlow {
	return &PasswordFlow{
		backend: backend,
		emitter: emitter,
		logger:  log.Component("password-recovery"),
		step:    PasswordStepEmail,
	}
}

// Step returns the current step.
func (f *PasswordFlow) Step() PasswordStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// RequestCode emails a code to email and returns the backend's confirmation message.
// It may be called again from CODE to resend.
func (f *PasswordFlow) RequestCode(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrEmptyIdentifier
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", ErrInvalidEmail
	}
	f.mu.Lock()
	if f.step != PasswordStepEmail && f.step != PasswordStepCode {
		f.mu.Unlock()
		return "", ErrInvalidStep
	}
	f.mu.Unlock()

	res, err := f.backend.RequestPasswordReset(ctx, email)
	if err != nil {
		msg := msgRequestCodeFailed
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			msg = apiErr.Message
		}
		f.logger.Warn().Err(err).Msg("password-recovery: code request failed")
		return "", &Error{Code: api.CodeOf(err), Message: msg, Err: err}
	}

	f.mu.Lock()
	f.email = email
	f.code = ""
	f.step = PasswordStepCode
	f.mu.Unlock()
	return res.Message, nil
}

// VerifyCode validates the emailed code with the backend.
func (f *PasswordFlow) VerifyCode(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if !codePattern.MatchString(code) {
		return ErrInvalidCode
	}
	f.mu.Lock()
	if f.step != PasswordStepCode {
		f.mu.Unlock()
		return ErrInvalidStep
	}
	email := f.email
	f.mu.Unlock()

	if _, err := f.backend.VerifyPasswordCode(ctx, email, code); err != nil {
		key := errorKey(err)
		msg, ok := verifyMessages[key]
		if !ok {
			msg = verifyFallback
		}
		return &Error{Code: api.CodeOf(err), Message: msg, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step != PasswordStepCode || f.email != email {
		return ErrInvalidStep
	}
	f.code = code
	f.step = PasswordStepReset
	return nil
}

// Reset sets newPassword after checking it against confirm.
func (f *PasswordFlow) Reset(ctx context.Context, newPassword, confirm string) error {
	if utf8.RuneCountInString(newPassword) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if newPassword != confirm {
		return ErrPasswordMismatch
	}
	f.mu.Lock()
	if f.step != PasswordStepReset {
		f.mu.Unlock()
		return ErrInvalidStep
	}
	email, code := f.email, f.code
	f.mu.Unlock()

	if _, err := f.backend.ResetPassword(ctx, email, code, newPassword); err != nil {
		key := errorKey(err)
		msg, ok := resetMessages[key]
		if !ok {
			msg = resetFallback
		}
		return &Error{Code: api.CodeOf(err), Message: msg, Err: err}
	}

	f.mu.Lock()
	f.step = PasswordStepDone
	f.code = ""
	f.mu.Unlock()

	f.logger.Info().Msg("password-recovery: password changed")
	telemetry.EmitAsync(f.emitter, ctx, domain.NewEvent(domain.EventPasswordReset, time.Now()))
	return nil
}
