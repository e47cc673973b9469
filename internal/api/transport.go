package api

import (
	"net/http"
	"strings"
	"sync"
)

// Header names sent to the backend.
const (
	HeaderAuthorization = "Authorization"
	HeaderFingerprint   = "X-Device-Fingerprint"
	HeaderDeviceOS      = "X-Device-OS"
	HeaderDeviceType    = "X-Device-Type"
	HeaderDeviceBrowser = "X-Device-Browser"
)

// publicPaths never receive an Authorization header.
var publicPaths = []string{
	"/auth/login",
	"/auth/register",
	"/api/register",
	"/api/dispositivos/recover",
	"/api/devices/recover",
}

// unauthorizedExempt paths do not end the session on 401: recovery runs without a
// session and the logout call is itself part of ending one.
var unauthorizedExempt = []string{
	"/api/devices/recover",
	"/api/dispositivos/recover",
	"/auth/logout",
}

// Interceptor is an http.RoundTripper that decorates every request with the device
// fingerprint and, outside the public paths, the bearer token. A 401 response on a
// non-exempt path invokes the unauthorized hook before the response is returned.
type Interceptor struct {
	base        http.RoundTripper
	fingerprint func() string

	mu             sync.RWMutex
	token          func() string
	onUnauthorized func(*http.Request)
}

// NewInterceptor wraps base (http.DefaultTransport when nil).
func NewInterceptor(base http.RoundTripper, fingerprint func() string) *Interceptor {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Interceptor{base: base, fingerprint: fingerprint}
}

// SetTokenSource sets the function returning the current access token ("" when none).
func (t *Interceptor) SetTokenSource(fn func() string) {
	t.mu.Lock()
	t.token = fn
	t.mu.Unlock()
}

// SetUnauthorizedHandler sets the hook run on 401 responses.
func (t *Interceptor) SetUnauthorizedHandler(fn func(*http.Request)) {
	t.mu.Lock()
	t.onUnauthorized = fn
	t.mu.Unlock()
}

// RoundTrip implements http.RoundTripper.
func (t *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.RLock()
	tokenFn, hook := t.token, t.onUnauthorized
	t.mu.RUnlock()

	out := req.Clone(req.Context())
	if t.fingerprint != nil {
		if fp := t.fingerprint(); fp != "" {
			out.Header.Set(HeaderFingerprint, fp)
		}
	}
	if !isPublic(out.URL.Path) && out.Header.Get(HeaderAuthorization) == "" && tokenFn != nil {
		if token := tokenFn(); token != "" {
			out.Header.Set(HeaderAuthorization, "Bearer "+token)
		}
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && hook != nil && !hasPrefix(out.URL.Path, unauthorizedExempt) {
		hook(out)
	}
	return resp, nil
}

func isPublic(path string) bool {
	for _, p := range publicPaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
