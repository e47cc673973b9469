// Package device provides the client's stable device fingerprint and the device
// metadata attached to device-attested requests.
package device

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"naive-pay/client/internal/device/domain"
	"naive-pay/client/internal/log"
	"naive-pay/client/internal/storage"
)

// FingerprintKey is the profile-store key holding the fingerprint.
const FingerprintKey = "np_device_fp"

// Option configures a Provider.
type Option func(*Provider)

// WithUserAgent sets the user agent parsed for OS, browser and device type.
func WithUserAgent(ua string) Option {
	return func(p *Provider) { p.userAgent = strings.TrimSpace(ua) }
}

// WithEnv replaces os.Getenv for locale and timezone lookups.
func WithEnv(getenv func(string) string) Option {
	return func(p *Provider) { p.getenv = getenv }
}

// WithGOOS overrides runtime.GOOS for platform detection when no user agent is set.
func WithGOOS(goos string) Option {
	return func(p *Provider) { p.goos = goos }
}

// WithLocaltime overrides /etc/localtime as the source of the system timezone.
func WithLocaltime(path string) Option {
	return func(p *Provider) { p.localtime = path }
}

// Provider hands out the persisted fingerprint and derives device metadata.
// It is the only writer of the fingerprint.
type Provider struct {
	store     storage.Store
	userAgent string
	getenv    func(string) string
	goos      string
	localtime string
	logger    zerolog.Logger

	mu          sync.Mutex
	fingerprint string
}

// NewProvider returns a Provider persisting the fingerprint in store, which must be
// profile-scoped (it outlives sessions and tabs).
func NewProvider(store storage.Store, opts ...Option) *Provider {
	p := &Provider{
		store:     store,
		getenv:    os.Getenv,
		goos:      runtime.GOOS,
		localtime: "/etc/localtime",
		logger:    log.Component("device"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fingerprint returns the persisted fingerprint, generating and persisting a random
// UUIDv4 on first use. It never fails: if the store is unusable the generated value is
// kept in memory for the life of the process.
func (p *Provider) Fingerprint() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fingerprint != "" {
		return p.fingerprint
	}
	fp, ok, err := p.store.Get(FingerprintKey)
	if err != nil {
		p.logger.Warn().Err(err).Msg("device: read fingerprint failed")
	}
	if ok && strings.TrimSpace(fp) != "" {
		p.fingerprint = strings.TrimSpace(fp)
		return p.fingerprint
	}
	p.fingerprint = p.create(uuid.New().String())
	return p.fingerprint
}

// create persists fp unless another process got there first, in which case the stored
// value wins.
func (p *Provider) create(fp string) string {
	c, ok := p.store.(storage.Creator)
	if !ok {
		if err := p.store.Set(FingerprintKey, fp); err != nil {
			p.logger.Warn().Err(err).Msg("device: persist fingerprint failed; using in-memory value")
		}
		return fp
	}
	stored, err := c.SetIfAbsent(FingerprintKey, fp)
	if err != nil {
		p.logger.Warn().Err(err).Msg("device: persist fingerprint failed; using in-memory value")
		return fp
	}
	if stored = strings.TrimSpace(stored); stored == "" {
		// an empty leftover file: claim it
		if err := p.store.Set(FingerprintKey, fp); err != nil {
			p.logger.Warn().Err(err).Msg("device: persist fingerprint failed; using in-memory value")
		}
		return fp
	}
	return stored
}

// Info returns the fingerprint plus coarse OS, browser and device type, the locale
// language tag and the IANA timezone. Unresolved fields are domain.Unknown.
func (p *Provider) Info() domain.Identity {
	id := domain.Identity{
		Fingerprint: p.Fingerprint(),
		Language:    p.language(),
		Timezone:    p.timezone(),
	}
	if p.userAgent != "" {
		id.OS, id.Browser, id.Type = parseUserAgent(p.userAgent)
	} else {
		id.OS, id.Type = platform(p.goos)
		id.Browser = domain.Unknown
	}
	return id
}

func parseUserAgent(raw string) (os, browser string, typ domain.DeviceType) {
	ua := useragent.New(raw)
	os = orUnknown(ua.OSInfo().Name)
	name, _ := ua.Browser()
	browser = orUnknown(name)

	switch {
	case ua.Bot():
		typ = domain.DeviceTypeUnknown
	case ua.Platform() == "iPad" || strings.Contains(raw, "Tablet"):
		typ = domain.DeviceTypeTablet
	case strings.Contains(raw, "Android") && !strings.Contains(raw, "Mobile"):
		typ = domain.DeviceTypeTablet
	case ua.Mobile():
		typ = domain.DeviceTypeMobile
	default:
		typ = domain.DeviceTypeDesktop
	}
	return os, browser, typ
}

func platform(goos string) (string, domain.DeviceType) {
	switch goos {
	case "darwin":
		return "Mac OS", domain.DeviceTypeDesktop
	case "linux":
		return "Linux", domain.DeviceTypeDesktop
	case "windows":
		return "Windows", domain.DeviceTypeDesktop
	case "freebsd", "openbsd", "netbsd":
		return strings.ToUpper(goos[:1]) + goos[1:], domain.DeviceTypeDesktop
	case "android":
		return "Android", domain.DeviceTypeMobile
	case "ios":
		return "iOS", domain.DeviceTypeMobile
	default:
		return domain.Unknown, domain.DeviceTypeUnknown
	}
}

// language reads the POSIX locale (LC_ALL, LC_MESSAGES, LANG) and returns its BCP 47 form.
func (p *Provider) language() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := p.getenv(key)
		if v == "" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		if v == "" || v == "C" || v == "POSIX" {
			return domain.Unknown
		}
		tag, err := language.Parse(strings.ReplaceAll(v, "_", "-"))
		if err != nil {
			return domain.Unknown
		}
		return tag.String()
	}
	return domain.Unknown
}

func (p *Provider) timezone() string {
	if tz := strings.TrimPrefix(p.getenv("TZ"), ":"); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil && loc.String() != "Local" {
			return loc.String()
		}
		return domain.Unknown
	}
	if name := zoneFromLink(p.localtime); name != "" {
		return name
	}
	if name := time.Local.String(); name != "" && name != "Local" {
		return name
	}
	return domain.Unknown
}

// zoneFromLink returns the IANA name a localtime symlink points at, such as
// America/Santiago for /usr/share/zoneinfo/America/Santiago.
func zoneFromLink(path string) string {
	if path == "" {
		return ""
	}
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	target = filepath.ToSlash(target)
	i := strings.LastIndex(target, "zoneinfo/")
	if i < 0 {
		return ""
	}
	name := strings.TrimPrefix(target[i+len("zoneinfo/"):], "posix/")
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return ""
	}
	return name
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return domain.Unknown
	}
	return s
}
