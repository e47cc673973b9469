// Package api is the REST client for the NaivePay backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"naive-pay/client/internal/device/domain"
	"naive-pay/client/internal/log"
)

const (
	defaultTimeout = 15 * time.Second

	// bestEffortTimeout bounds a best-effort call including its retries.
	bestEffortTimeout = 5 * time.Second
	bestEffortRetries = 2
)

// ErrNoDevice is returned by CurrentDevice when the user has no linked device.
var ErrNoDevice = errors.New("api: no device linked")

// DeviceSource provides the fingerprint and device metadata sent with requests.
type DeviceSource interface {
	Fingerprint() string
	Info() domain.Identity
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Device  DeviceSource
	// Base is the underlying transport; http.DefaultTransport when nil.
	Base http.RoundTripper
	// RetryInterval is the initial backoff of best-effort calls.
	RetryInterval time.Duration
}

// Client calls the backend. All requests go through the Interceptor.
type Client struct {
	baseURL       string
	device        DeviceSource
	interceptor   *Interceptor
	httpClient    *http.Client
	retryInterval time.Duration
}

// New returns a Client for opts.BaseURL.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = 200 * time.Millisecond
	}
	var fingerprint func() string
	if opts.Device != nil {
		fingerprint = opts.Device.Fingerprint
	}
	interceptor := NewInterceptor(opts.Base, fingerprint)
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		device:      opts.Device,
		interceptor: interceptor,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(interceptor,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return fmt.Sprintf("NaivePay API: %s %s", r.Method, r.URL.Path)
				}),
			),
		},
		retryInterval: retry,
	}
}

// Interceptor returns the request interceptor so the session owner can install its
// token source and 401 hook.
func (c *Client) Interceptor() *Interceptor { return c.interceptor }

// Login posts credentials. The fingerprint header is added by the interceptor.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var out LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout invalidates the current token on the backend.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", struct{}{}, nil, nil)
}

// LogoutWithToken invalidates token on the backend regardless of the token source,
// used when the local copy has already been removed.
func (c *Client) LogoutWithToken(ctx context.Context, token string) error {
	h := http.Header{}
	if token != "" {
		h.Set(HeaderAuthorization, "Bearer "+token)
	}
	return c.do(ctx, http.MethodPost, "/auth/logout", struct{}{}, h, nil)
}

// LogoutBestEffort calls LogoutWithToken with bounded retries. Client errors (4xx) are
// not retried. The returned error is informational; callers never block cleanup on it.
func (c *Client) LogoutBestEffort(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, bestEffortTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	return backoff.RetryNotify(
		func() error {
			err := c.LogoutWithToken(ctx, token)
			if s := StatusOf(err); s >= 400 && s < 500 {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(b, bestEffortRetries), ctx),
		func(err error, next time.Duration) {
			log.Debug(ctx).Err(err).Dur("next", next).Msg("api: logout retrying")
		},
	)
}

// SessionStatus reads the remaining session time.
func (c *Client) SessionStatus(ctx context.Context) (*SessionStatus, error) {
	var out SessionStatus
	if err := c.do(ctx, http.MethodGet, "/auth/session-status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestPasswordReset asks the backend to email a 6-digit code.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) (*MessageResponse, error) {
	var out MessageResponse
	if err := c.do(ctx, http.MethodPost, "/auth/password/request", passwordRequest{Email: email}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyPasswordCode checks a password-reset code without consuming it.
func (c *Client) VerifyPasswordCode(ctx context.Context, email, code string) (*MessageResponse, error) {
	var out MessageResponse
	if err := c.do(ctx, http.MethodPost, "/auth/password/verify", passwordRequest{Email: email, Code: code}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetPassword sets a new password using a verified code.
func (c *Client) ResetPassword(ctx context.Context, email, code, newPassword string) (*MessageResponse, error) {
	var out MessageResponse
	body := passwordRequest{Email: email, Code: code, NewPassword: newPassword}
	if err := c.do(ctx, http.MethodPost, "/auth/password/reset", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecoverDeviceRequest starts device linking for identifier.
func (c *Client) RecoverDeviceRequest(ctx context.Context, identifier string) (*RecoveryStarted, error) {
	var out RecoveryStarted
	if err := c.do(ctx, http.MethodPost, "/api/devices/recover/request", recoverRequest{Identifier: identifier}, c.deviceHeaders(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecoverDeviceVerify links this device with the emailed code and returns a session.
func (c *Client) RecoverDeviceVerify(ctx context.Context, recoveryID, code string) (*LoginResponse, error) {
	var out LoginResponse
	body := recoverVerify{RecoveryID: recoveryID, Code: code}
	if err := c.do(ctx, http.MethodPost, "/api/devices/recover/verify", body, c.deviceHeaders(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentDevice returns the device linked to the user, or ErrNoDevice.
func (c *Client) CurrentDevice(ctx context.Context) (*domain.Device, error) {
	var out struct {
		domain.Device
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/devices/current", nil, c.deviceHeaders(), &out); err != nil {
		return nil, err
	}
	if out.ID == 0 && out.Fingerprint == "" {
		return nil, ErrNoDevice
	}
	return &out.Device, nil
}

// DeviceLogs returns the device activity history.
func (c *Client) DeviceLogs(ctx context.Context) ([]domain.Log, error) {
	var out []domain.Log
	if err := c.do(ctx, http.MethodGet, "/api/devices/logs", nil, c.deviceHeaders(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnlinkDevice removes the device link from the account.
func (c *Client) UnlinkDevice(ctx context.Context) (*MessageResponse, error) {
	var out MessageResponse
	if err := c.do(ctx, http.MethodDelete, "/api/devices/unlink", nil, c.deviceHeaders(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) deviceHeaders() http.Header {
	h := http.Header{}
	if c.device == nil {
		return h
	}
	info := c.device.Info()
	h.Set(HeaderFingerprint, info.Fingerprint)
	h.Set(HeaderDeviceOS, info.OS)
	h.Set(HeaderDeviceType, string(info.Type))
	h.Set(HeaderDeviceBrowser, info.Browser)
	return h
}

// do sends a JSON request and decodes a JSON response into out (when non-nil).
// Non-2xx responses become *Error.
func (c *Client) do(ctx context.Context, method, path string, in any, header http.Header, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}
