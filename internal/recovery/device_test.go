package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naive-pay/client/internal/api"
	"naive-pay/client/internal/security"
	"naive-pay/client/internal/session"
	"naive-pay/client/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recoveryBackend issues sequential recovery ids and accepts code 123456 for the
// latest one only.
type recoveryBackend struct {
	t     *testing.T
	token string

	mu          sync.Mutex
	issued      int
	current     string
	identifiers []string
}

func (b *recoveryBackend) rotate() {
	b.mu.Lock()
	b.issued++
	b.current = fmt.Sprintf("r-%d", b.issued)
	b.mu.Unlock()
}

func (b *recoveryBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/devices/recover/request":
		var body struct {
			Identifier string `json:"identifier"`
		}
		assert.NoError(b.t, json.NewDecoder(r.Body).Decode(&body))
		if body.Identifier == "nadie@example.com" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "USER_NOT_FOUND"})
			return
		}
		b.rotate()
		b.mu.Lock()
		b.identifiers = append(b.identifiers, body.Identifier)
		id := b.current
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, api.RecoveryStarted{Message: "RECOVERY_SENT", RecoveryID: id})
	case "/api/devices/recover/verify":
		var body struct {
			RecoveryID string `json:"recoveryId"`
			Code       string `json:"code"`
		}
		assert.NoError(b.t, json.NewDecoder(r.Body).Decode(&body))
		b.mu.Lock()
		current := b.current
		b.mu.Unlock()
		if body.RecoveryID != current {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "RECOVERY_NOT_FOUND"})
			return
		}
		if body.Code != "123456" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_CODE"})
			return
		}
		writeJSON(w, http.StatusOK, api.LoginResponse{AccessToken: b.token, JTI: "j-1", Role: "USER"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newDeviceHarness(t *testing.T) (*recoveryBackend, *api.Client, *session.Manager) {
	t.Helper()
	backend := &recoveryBackend{t: t, token: security.NewTestToken(time.Now().Add(time.Hour), "USER")}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client := api.New(api.Options{BaseURL: srv.URL})
	m, err := session.NewManager(session.Options{
		Backend:    client,
		Authorizer: client.Interceptor(),
		Store:      storage.NewMemoryStore(),
		Clock:      clockwork.NewFakeClockAt(time.Now()),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return backend, client, m
}

func TestDeviceFlow_LinksDevice(t *testing.T) {
	backend, client, m := newDeviceHarness(t)
	ctx := context.Background()
	flow := NewDeviceFlow(client, m, " ana@example.com ")

	require.NoError(t, flow.RequestCode(ctx, ""))
	assert.Equal(t, DeviceState{Step: StepVerify, Identifier: "ana@example.com", RecoveryID: "r-1"}, flow.State())
	assert.Equal(t, session.StateRecoveryInProgress, m.State())

	require.NoError(t, flow.VerifyCode(ctx, "123456"))
	assert.Equal(t, StepSuccess, flow.State().Step)
	assert.Equal(t, session.StateAuthenticated, m.State())
	assert.Equal(t, "USER", m.Role())

	backend.mu.Lock()
	assert.Equal(t, []string{"ana@example.com"}, backend.identifiers)
	backend.mu.Unlock()

	assert.ErrorIs(t, flow.RequestCode(ctx, "ana@example.com"), ErrInvalidStep)
	flow.Close()
	assert.Equal(t, session.StateAuthenticated, m.State(), "closing a finished flow keeps the session")
}

func TestDeviceFlow_NewRequestReplacesRecoveryID(t *testing.T) {
	_, client, m := newDeviceHarness(t)
	ctx := context.Background()
	flow := NewDeviceFlow(client, m, "")

	require.NoError(t, flow.RequestCode(ctx, "ana@example.com"))
	require.NoError(t, flow.RequestCode(ctx, ""))
	assert.Equal(t, "r-2", flow.State().RecoveryID)

	require.NoError(t, flow.VerifyCode(ctx, "123456"))
	assert.Equal(t, session.StateAuthenticated, m.State())
}

func TestDeviceFlow_StaleRecoveryIDFails(t *testing.T) {
	backend, client, m := newDeviceHarness(t)
	ctx := context.Background()
	flow := NewDeviceFlow(client, m, "ana@example.com")

	require.NoError(t, flow.RequestCode(ctx, ""))
	backend.rotate()

	err := flow.VerifyCode(ctx, "123456")
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "RECOVERY_NOT_FOUND", rerr.Code)
	assert.Equal(t, "No se pudo verificar el codigo.", rerr.Message)

	assert.Equal(t, StepVerify, flow.State().Step)
	assert.Equal(t, session.StateRecoveryInProgress, m.State())
}

func TestDeviceFlow_WrongCodeKeepsVerify(t *testing.T) {
	_, client, m := newDeviceHarness(t)
	ctx := context.Background()
	flow := NewDeviceFlow(client, m, "ana@example.com")
	require.NoError(t, flow.RequestCode(ctx, ""))

	err := flow.VerifyCode(ctx, "000000")
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "INVALID_CODE", rerr.Code)
	assert.Equal(t, StepVerify, flow.State().Step)

	assert.ErrorIs(t, flow.VerifyCode(ctx, "  "), ErrInvalidCode)
	require.NoError(t, flow.VerifyCode(ctx, "123456"))
}

func TestDeviceFlow_RequestFailure(t *testing.T) {
	_, client, m := newDeviceHarness(t)
	ctx := context.Background()
	flow := NewDeviceFlow(client, m, "")

	assert.ErrorIs(t, flow.RequestCode(ctx, "   "), ErrEmptyIdentifier)
	assert.ErrorIs(t, flow.VerifyCode(ctx, "123456"), ErrInvalidStep)

	err := flow.RequestCode(ctx, "nadie@example.com")
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "USER_NOT_FOUND", rerr.Message)
	assert.Equal(t, StepRequest, flow.State().Step)
	assert.Empty(t, flow.State().RecoveryID)
}

func TestDeviceFlow_GenericRequestMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	flow := NewDeviceFlow(api.New(api.Options{BaseURL: srv.URL}), &fakeInstaller{}, "ana@example.com")

	err := flow.RequestCode(context.Background(), "")
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Empty(t, rerr.Code)
	assert.Equal(t, "No se pudo enviar el codigo.", rerr.Message)
}

func TestDeviceFlow_CloseAbortsRecovery(t *testing.T) {
	_, client, m := newDeviceHarness(t)
	flow := NewDeviceFlow(client, m, "ana@example.com")
	require.NoError(t, flow.RequestCode(context.Background(), ""))
	require.Equal(t, session.StateRecoveryInProgress, m.State())

	flow.Close()
	assert.Equal(t, session.StateAnonymous, m.State())
	assert.Equal(t, StepRequest, flow.State().Step)
}

type fakeInstaller struct {
	mu       sync.Mutex
	begun    int
	aborted  int
	restored []string
}

func (f *fakeInstaller) BeginRecovery(context.Context) error {
	f.mu.Lock()
	f.begun++
	f.mu.Unlock()
	return nil
}

func (f *fakeInstaller) AbortRecovery() {
	f.mu.Lock()
	f.aborted++
	f.mu.Unlock()
}

func (f *fakeInstaller) RestoreSession(_ context.Context, token, _ string) error {
	f.mu.Lock()
	f.restored = append(f.restored, token)
	f.mu.Unlock()
	return nil
}
