package device

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naive-pay/client/internal/device/domain"
	"naive-pay/client/internal/storage"
)

const (
	chromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	safariIPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	safariIPad    = "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	androidTablet = "Mozilla/5.0 (Linux; Android 13; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

type failingStore struct{}

func (failingStore) Get(string) (string, bool, error) { return "", false, errors.New("disk gone") }
func (failingStore) Set(string, string) error         { return errors.New("disk gone") }
func (failingStore) Remove(string) error              { return errors.New("disk gone") }

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestFingerprint_GeneratedOnceAndPersisted(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	p := NewProvider(store)
	fp := p.Fingerprint()
	_, err = uuid.Parse(fp)
	require.NoError(t, err, "fingerprint must be a UUID")
	assert.Equal(t, fp, p.Fingerprint())

	stored, ok, err := store.Get(FingerprintKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fp, stored)

	// A new provider over the same profile (another process) sees the same value.
	assert.Equal(t, fp, NewProvider(store).Fingerprint())
}

func TestFingerprint_ReusesExistingValue(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(FingerprintKey, "existing-fp"))

	assert.Equal(t, "existing-fp", NewProvider(store).Fingerprint())
}

func TestFingerprint_ConcurrentCallersAgree(t *testing.T) {
	p := NewProvider(storage.NewMemoryStore())

	const n = 32
	got := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = p.Fingerprint()
		}(i)
	}
	wg.Wait()
	for _, fp := range got {
		assert.Equal(t, got[0], fp)
	}
}

func TestFingerprint_ProcessesSharingAProfileAgree(t *testing.T) {
	for run := 0; run < 50; run++ {
		dir := t.TempDir()
		const n = 4
		got := make([]string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			store, err := storage.NewFileStore(dir)
			require.NoError(t, err)
			p := NewProvider(store)
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got[i] = p.Fingerprint()
			}(i)
		}
		wg.Wait()

		store, err := storage.NewFileStore(dir)
		require.NoError(t, err)
		stored, ok, err := store.Get(FingerprintKey)
		require.NoError(t, err)
		require.True(t, ok)
		for i, fp := range got {
			require.Equal(t, stored, fp, "run %d provider %d", run, i)
		}
	}
}

func TestFingerprint_StorageFailureFallsBackToMemory(t *testing.T) {
	p := NewProvider(failingStore{})
	fp := p.Fingerprint()
	assert.NotEmpty(t, fp)
	assert.Equal(t, fp, p.Fingerprint())
}

func TestInfo_UserAgent(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		browser string
		typ     domain.DeviceType
	}{
		{"chrome on windows", chromeWindows, "Chrome", domain.DeviceTypeDesktop},
		{"safari on iphone", safariIPhone, "Safari", domain.DeviceTypeMobile},
		{"safari on ipad", safariIPad, "Safari", domain.DeviceTypeTablet},
		{"android tablet", androidTablet, "Chrome", domain.DeviceTypeTablet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := NewProvider(storage.NewMemoryStore(), WithUserAgent(tt.ua), WithEnv(env(nil))).Info()
			assert.Equal(t, tt.browser, info.Browser)
			assert.Equal(t, tt.typ, info.Type)
			assert.NotEqual(t, domain.Unknown, info.OS)
			assert.NotEmpty(t, info.Fingerprint)
		})
	}

	info := NewProvider(storage.NewMemoryStore(), WithUserAgent(chromeWindows)).Info()
	assert.Equal(t, "Windows", info.OS)
}

func TestInfo_NoUserAgentUsesPlatform(t *testing.T) {
	info := NewProvider(storage.NewMemoryStore(), WithGOOS("linux"), WithEnv(env(nil))).Info()
	assert.Equal(t, "Linux", info.OS)
	assert.Equal(t, domain.Unknown, info.Browser)
	assert.Equal(t, domain.DeviceTypeDesktop, info.Type)
	assert.Equal(t, domain.Unknown, info.Language)

	info = NewProvider(storage.NewMemoryStore(), WithGOOS("plan9")).Info()
	assert.Equal(t, domain.Unknown, info.OS)
	assert.Equal(t, domain.DeviceTypeUnknown, info.Type)
}

func TestInfo_Language(t *testing.T) {
	tests := []struct {
		vars map[string]string
		want string
	}{
		{map[string]string{"LANG": "es_CL.UTF-8"}, "es-CL"},
		{map[string]string{"LC_ALL": "en_US.UTF-8", "LANG": "es_CL.UTF-8"}, "en-US"},
		{map[string]string{"LC_MESSAGES": "pt_BR@euro"}, "pt-BR"},
		{map[string]string{"LANG": "C"}, domain.Unknown},
		{map[string]string{"LANG": "POSIX.UTF-8"}, domain.Unknown},
		{map[string]string{"LANG": "!!"}, domain.Unknown},
		{nil, domain.Unknown},
	}
	for _, tt := range tests {
		info := NewProvider(storage.NewMemoryStore(), WithEnv(env(tt.vars))).Info()
		assert.Equal(t, tt.want, info.Language, "%v", tt.vars)
	}
}

func TestInfo_Timezone(t *testing.T) {
	info := NewProvider(storage.NewMemoryStore(), WithEnv(env(map[string]string{"TZ": "UTC"}))).Info()
	assert.Equal(t, "UTC", info.Timezone)

	info = NewProvider(storage.NewMemoryStore(), WithEnv(env(map[string]string{"TZ": "Not/AZone"}))).Info()
	assert.Equal(t, domain.Unknown, info.Timezone)
}

func TestInfo_TimezoneFromLocaltimeLink(t *testing.T) {
	dir := t.TempDir()
	zone := filepath.Join(dir, "usr", "share", "zoneinfo", "America", "Santiago")
	require.NoError(t, os.MkdirAll(filepath.Dir(zone), 0o755))
	require.NoError(t, os.WriteFile(zone, []byte("TZif"), 0o644))
	link := filepath.Join(dir, "localtime")
	require.NoError(t, os.Symlink(zone, link))

	info := NewProvider(storage.NewMemoryStore(), WithEnv(env(nil)), WithLocaltime(link)).Info()
	assert.Equal(t, "America/Santiago", info.Timezone)

	// TZ still wins over the system zone.
	info = NewProvider(storage.NewMemoryStore(), WithEnv(env(map[string]string{"TZ": "UTC"})), WithLocaltime(link)).Info()
	assert.Equal(t, "UTC", info.Timezone)
}

func TestZoneFromLink(t *testing.T) {
	dir := t.TempDir()
	link := func(name, target string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.Symlink(target, p))
		return p
	}
	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("TZif"), 0o644))

	assert.Equal(t, "Etc/UTC", zoneFromLink(link("abs", "/usr/share/zoneinfo/Etc/UTC")))
	assert.Equal(t, "Europe/Madrid", zoneFromLink(link("rel", "../usr/share/zoneinfo/Europe/Madrid")))
	assert.Equal(t, "Asia/Tokyo", zoneFromLink(link("posix", "/usr/share/zoneinfo/posix/Asia/Tokyo")))
	assert.Empty(t, zoneFromLink(link("elsewhere", "/opt/tz/UTC")))
	assert.Empty(t, zoneFromLink(plain), "not a symlink")
	assert.Empty(t, zoneFromLink(filepath.Join(dir, "missing")))
	assert.Empty(t, zoneFromLink(""))
}
