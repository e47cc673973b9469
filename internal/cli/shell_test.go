package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naive-pay/client/internal/api"
	"naive-pay/client/internal/device/domain"
	"naive-pay/client/internal/session"
)

type fakeSession struct {
	mu    sync.Mutex
	state session.State
	subs  []func(session.Event)
	calls []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{state: session.StateAuthenticated}
}

func (s *fakeSession) Snapshot() session.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return session.Snapshot{State: s.state, Role: session.RoleUser}
}

func (s *fakeSession) Continue(context.Context) error {
	s.record("continue")
	return nil
}

func (s *fakeSession) Logout(context.Context) error {
	s.record("logout")
	s.end(session.ReasonLogoutOK)
	return nil
}

func (s *fakeSession) Clear() {
	s.record("clear")
	s.end(session.ReasonNone)
}

func (s *fakeSession) RequireAuthenticated() error {
	if s.Snapshot().State != session.StateAuthenticated {
		return session.ErrNotAuthenticated
	}
	return nil
}

func (s *fakeSession) Subscribe(fn func(session.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	return func() {}
}

func (s *fakeSession) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *fakeSession) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeSession) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSession) end(reason session.Reason) {
	s.mu.Lock()
	prev := s.state
	s.state = session.StateAnonymous
	subs := append([]func(session.Event){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(session.Event{State: session.StateAnonymous, Previous: prev, Reason: reason})
	}
}

type fakeDevices struct {
	device   *domain.Device
	logs     []domain.Log
	err      error
	unlinked bool
}

func (d *fakeDevices) CurrentDevice(context.Context) (*domain.Device, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.device == nil {
		return nil, api.ErrNoDevice
	}
	return d.device, nil
}

func (d *fakeDevices) DeviceLogs(context.Context) ([]domain.Log, error) {
	return d.logs, d.err
}

func (d *fakeDevices) UnlinkDevice(context.Context) (*api.MessageResponse, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.unlinked = true
	return &api.MessageResponse{Message: "ok"}, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type shellHarness struct {
	in       *io.PipeWriter
	out      *syncBuffer
	warnings chan session.WarningState
	done     chan error
}

func startShell(t *testing.T, sess Session, devices DeviceAPI) *shellHarness {
	t.Helper()
	r, w := io.Pipe()
	h := &shellHarness{
		in:       w,
		out:      &syncBuffer{},
		warnings: make(chan session.WarningState, 4),
		done:     make(chan error, 1),
	}
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sh := NewShell(sess, devices, NewPrompter(r, h.out), h.out, h.warnings)
	go func() { h.done <- sh.Run(ctx) }()
	return h
}

func (h *shellHarness) send(t *testing.T, line string) {
	t.Helper()
	go func() { _, _ = io.WriteString(h.in, line+"\n") }()
}

func (h *shellHarness) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shell did not exit")
	}
}

func (h *shellHarness) waitOutput(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(h.out.String(), want) },
		2*time.Second, 5*time.Millisecond, "output never contained %q:\n%s", want, h.out.String())
}

func TestShell_ExitKeepsSession(t *testing.T) {
	sess := newFakeSession()
	h := startShell(t, sess, &fakeDevices{})

	h.send(t, "status")
	h.waitOutput(t, "Estado: AUTHENTICATED")
	h.send(t, "exit")
	h.wait(t)

	assert.Contains(t, h.out.String(), "Rol: USER")
	assert.Empty(t, sess.called())
}

func TestShell_LogoutPrintsReason(t *testing.T) {
	sess := newFakeSession()
	h := startShell(t, sess, &fakeDevices{})

	h.send(t, "logout")
	h.wait(t)

	assert.Equal(t, []string{"logout"}, sess.called())
	assert.Contains(t, h.out.String(), msgLogoutOK)
}

func TestShell_ExpiryEndsLoop(t *testing.T) {
	sess := newFakeSession()
	h := startShell(t, sess, &fakeDevices{})
	h.waitOutput(t, "Sesión iniciada")

	sess.end(session.ReasonSessionClosed)
	h.wait(t)

	assert.Contains(t, h.out.String(), msgSessionClosed)
}

func TestShell_EndOfInput(t *testing.T) {
	h := startShell(t, newFakeSession(), &fakeDevices{})
	require.NoError(t, h.in.Close())
	h.wait(t)
}

func TestShell_NotAuthenticated(t *testing.T) {
	sess := newFakeSession()
	sess.state = session.StateAnonymous
	h := startShell(t, sess, &fakeDevices{})
	h.wait(t)
	assert.Empty(t, h.out.String())
}

func TestShell_Continue(t *testing.T) {
	sess := newFakeSession()
	h := startShell(t, sess, &fakeDevices{})

	h.send(t, "continue")
	require.Eventually(t, func() bool { return len(sess.called()) == 1 }, 2*time.Second, 5*time.Millisecond)
	h.send(t, "exit")
	h.wait(t)
	assert.Equal(t, []string{"continue"}, sess.called())
}

func TestShell_Device(t *testing.T) {
	last := "2026-03-01T09:00:00Z"
	devices := &fakeDevices{device: &domain.Device{
		Type: "DESKTOP", OS: "Linux", Browser: "Firefox",
		RegisteredAt: "2026-02-01T12:00:00Z", LastLoginAt: &last,
	}}
	h := startShell(t, newFakeSession(), devices)

	h.send(t, "device")
	h.waitOutput(t, "Último acceso: "+last)
	assert.Contains(t, h.out.String(), "Dispositivo: DESKTOP · Linux · Firefox")
}

func TestShell_NoDevice(t *testing.T) {
	h := startShell(t, newFakeSession(), &fakeDevices{})
	h.send(t, "device")
	h.waitOutput(t, "No hay un dispositivo vinculado.")
}

func TestShell_LogsTable(t *testing.T) {
	details := "nuevo dispositivo"
	devices := &fakeDevices{logs: []domain.Log{
		{Action: "LOGIN", Result: "OK", CreatedAt: "2026-03-01T09:00:00Z"},
		{Action: "LINK", Result: "OK", CreatedAt: "2026-02-01T12:00:00Z", Details: &details},
	}}
	h := startShell(t, newFakeSession(), devices)

	h.send(t, "logs")
	h.waitOutput(t, details)
	out := h.out.String()
	assert.Contains(t, out, "FECHA")
	assert.Contains(t, out, "LOGIN")
}

func TestShell_DeviceErrors(t *testing.T) {
	tests := []struct {
		name    string
		command string
		err     error
		want    string
	}{
		{"unmapped code", "logs", &api.Error{Status: http.StatusForbidden, Code: "FORBIDDEN"}, "No se pudo cargar la actividad del dispositivo."},
		{"device unauthorized", "device", &api.Error{Status: http.StatusForbidden, Code: session.CodeDeviceUnauthorized}, "Este dispositivo no está autorizado para tu cuenta."},
		{"device required", "logs", &api.Error{Status: http.StatusForbidden, Code: session.CodeDeviceRequired}, "Este recurso requiere un dispositivo vinculado."},
		{"unlink failure", "unlink confirm", &api.Error{Status: http.StatusInternalServerError, Code: "DATABASE_ERROR"}, "No se pudo desvincular el dispositivo."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startShell(t, newFakeSession(), &fakeDevices{err: tt.err})
			h.send(t, tt.command)
			h.waitOutput(t, tt.want)
			assert.NotContains(t, h.out.String(), api.CodeOf(tt.err))
		})
	}
}

func TestShell_UnlinkNeedsConfirmation(t *testing.T) {
	sess := newFakeSession()
	devices := &fakeDevices{device: &domain.Device{}}
	h := startShell(t, sess, devices)

	h.send(t, "unlink")
	h.waitOutput(t, "unlink confirm")
	assert.False(t, devices.unlinked)

	h.send(t, "unlink confirm")
	h.wait(t)
	assert.True(t, devices.unlinked)
	assert.Equal(t, []string{"clear"}, sess.called())
	assert.Contains(t, h.out.String(), "Dispositivo desvinculado.")
	assert.NotContains(t, h.out.String(), msgSessionClosed)
}

func TestShell_UnknownCommand(t *testing.T) {
	h := startShell(t, newFakeSession(), &fakeDevices{})
	h.send(t, "transfer 100")
	h.waitOutput(t, "Comando desconocido: transfer")
}

func TestShell_WarningShownOnChannel(t *testing.T) {
	h := startShell(t, newFakeSession(), &fakeDevices{})
	h.warnings <- session.WarningState{Visible: true, RemainingSeconds: 60}
	h.waitOutput(t, "inactividad en 60 segundos")
}

func TestShell_PrintWarningThrottles(t *testing.T) {
	var out bytes.Buffer
	sh := NewShell(newFakeSession(), &fakeDevices{}, nil, &out, nil)

	for s := 20; s >= 1; s-- {
		sh.printWarning(session.WarningState{Visible: true, RemainingSeconds: s})
	}
	sh.printWarning(session.WarningState{})
	sh.printWarning(session.WarningState{Visible: true, RemainingSeconds: 59})

	var got []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		got = append(got, strings.Fields(line)[7])
	}
	assert.Equal(t, []string{"20", "15", "5", "4", "3", "2", "1", "59"}, got)
}
