package recovery

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"naive-pay/client/internal/api"
	"naive-pay/client/internal/log"
)

// Device recovery steps.
type Step string

const (
	StepRequest Step = "REQUEST"
	StepVerify  Step = "VERIFY"
	StepSuccess Step = "SUCCESS"
)

var errMissingRecoveryID = errors.New("recovery: response carried no recoveryId")

const (
	msgRequestFailed = "No se pudo enviar el codigo."
	msgVerifyFailed  = "No se pudo verificar el codigo."
)

// DeviceBackend is the device-recovery part of the API client.
type DeviceBackend interface {
	RecoverDeviceRequest(ctx context.Context, identifier string) (*api.RecoveryStarted, error)
	RecoverDeviceVerify(ctx context.Context, recoveryID, code string) (*api.LoginResponse, error)
}

// SessionInstaller is the part of the session manager the device flow drives.
type SessionInstaller interface {
	BeginRecovery(ctx context.Context) error
	AbortRecovery()
	RestoreSession(ctx context.Context, token, role string) error
}

// DeviceState is a snapshot of a DeviceFlow.
type DeviceState struct {
	Step       Step
	Identifier string
	RecoveryID string
}

// DeviceFlow links the current device to an account with an emailed code:
// REQUEST -> VERIFY -> SUCCESS. Only the most recent recovery id can be verified.
type DeviceFlow struct {
	backend DeviceBackend
	session SessionInstaller
	logger  zerolog.Logger

	mu         sync.Mutex
	step       Step
	identifier string
	recoveryID string
	seq        uint64
}

// NewDeviceFlow returns a flow in REQUEST, pre-filled with identifier (may be empty).
func NewDeviceFlow(backend DeviceBackend, session SessionInstaller, identifier string) *DeviceFlow {
	return &DeviceFlow{
		backend:    backend,
		session:    session,
		logger:     log.Component("device-recovery"),
		step:       StepRequest,
		identifier: strings.TrimSpace(identifier),
	}
}

// State returns the current step, identifier and recovery id.
func (f *DeviceFlow) State() DeviceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return DeviceState{Step: f.step, Identifier: f.identifier, RecoveryID: f.recoveryID}
}

// RequestCode asks the backend to email a code for identifier; an empty identifier uses
// the pre-filled one. Requesting again from VERIFY replaces the recovery id. On failure
// the flow is left as it was.
func (f *DeviceFlow) RequestCode(ctx context.Context, identifier string) error {
	identifier = strings.TrimSpace(identifier)

	f.mu.Lock()
	if f.step == StepSuccess {
		f.mu.Unlock()
		return ErrInvalidStep
	}
	if identifier == "" {
		identifier = f.identifier
	}
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	if identifier == "" {
		return ErrEmptyIdentifier
	}
	if err := f.session.BeginRecovery(ctx); err != nil {
		return err
	}

	f.logger.Info().Msg("device-recovery: requesting code")
	res, err := f.backend.RecoverDeviceRequest(ctx, identifier)
	if err == nil && res.RecoveryID == "" {
		err = errMissingRecoveryID
	}
	if err != nil {
		msg := api.CodeOf(err)
		if msg == "" {
			msg = msgRequestFailed
		}
		f.logger.Warn().Err(err).Msg("device-recovery: code request failed")
		return &Error{Code: api.CodeOf(err), Message: msg, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if seq != f.seq || f.step == StepSuccess {
		return ErrInvalidStep
	}
	f.identifier = identifier
	f.recoveryID = res.RecoveryID
	f.step = StepVerify
	f.logger.Info().Msg("device-recovery: code sent")
	return nil
}

// VerifyCode checks code against the current recovery id. Success installs the returned
// session and moves to SUCCESS; failure leaves the flow in VERIFY.
func (f *DeviceFlow) VerifyCode(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidCode
	}

	f.mu.Lock()
	if f.step != StepVerify {
		f.mu.Unlock()
		return ErrInvalidStep
	}
	recoveryID := f.recoveryID
	f.mu.Unlock()

	f.logger.Info().Msg("device-recovery: verifying code")
	resp, err := f.backend.RecoverDeviceVerify(ctx, recoveryID, code)
	if err != nil {
		f.logger.Warn().Err(err).Msg("device-recovery: verification failed")
		return &Error{Code: api.CodeOf(err), Message: msgVerifyFailed, Err: err}
	}

	f.mu.Lock()
	if f.step != StepVerify || f.recoveryID != recoveryID {
		f.mu.Unlock()
		return &Error{Message: msgVerifyFailed, Err: ErrInvalidStep}
	}
	f.mu.Unlock()

	if err := f.session.RestoreSession(ctx, resp.AccessToken, resp.Role); err != nil {
		return err
	}

	f.mu.Lock()
	f.step = StepSuccess
	f.recoveryID = ""
	f.mu.Unlock()
	f.logger.Info().Str("role", resp.Role).Msg("device-recovery: device linked")
	return nil
}

// Close discards the flow. An unfinished flow returns the session to anonymous.
func (f *DeviceFlow) Close() {
	f.mu.Lock()
	done := f.step == StepSuccess
	f.step = StepRequest
	f.recoveryID = ""
	f.seq++
	f.mu.Unlock()
	if !done {
		f.session.AbortRecovery()
	}
}
