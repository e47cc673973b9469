// Package config loads and validates client config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds client configuration loaded from the environment.
type Config struct {
	// APIURL is the NaivePay backend base URL (e.g. http://localhost:8080).
	APIURL string `mapstructure:"NAIVEPAY_API_URL"`
	// StateDir holds the profile store (device fingerprint) and per-process tab stores.
	// Empty means <user config dir>/naivepay.
	StateDir string `mapstructure:"NAIVEPAY_STATE_DIR"`
	// HTTPTimeout bounds a single backend call (e.g. "15s").
	HTTPTimeout string `mapstructure:"HTTP_TIMEOUT"`
	// InactivityPollInterval is how often the session-status endpoint is polled (e.g. "60s").
	InactivityPollInterval string `mapstructure:"INACTIVITY_POLL_INTERVAL"`
	// InactivityWarningThreshold raises the warning when the remaining time is at or below it (e.g. "1m").
	InactivityWarningThreshold string `mapstructure:"INACTIVITY_WARNING_THRESHOLD"`
	// TokenWatchInterval is how often the token watcher checks the tab store (e.g. "1s").
	TokenWatchInterval string `mapstructure:"TOKEN_WATCH_INTERVAL"`
	// MaxLoginAttempts seeds the client-side remaining-attempts counter when the backend omits it.
	MaxLoginAttempts int `mapstructure:"MAX_LOGIN_ATTEMPTS"`
	// DeviceUserAgent is parsed for OS/browser/device type. Empty uses the runtime platform.
	DeviceUserAgent string `mapstructure:"DEVICE_USER_AGENT"`
	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Telemetry (optional). When the OTLP endpoint is empty, no-op providers are used.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext gRPC to the collector even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses for session events.
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for session events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group of the relay command.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL, when set, pushes session events straight to Loki (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("NAIVEPAY_API_URL", "http://localhost:8080")
	v.SetDefault("NAIVEPAY_STATE_DIR", "")
	v.SetDefault("HTTP_TIMEOUT", "15s")
	v.SetDefault("INACTIVITY_POLL_INTERVAL", "60s")
	v.SetDefault("INACTIVITY_WARNING_THRESHOLD", "1m")
	v.SetDefault("TOKEN_WATCH_INTERVAL", "1s")
	v.SetDefault("MAX_LOGIN_ATTEMPTS", 5)
	v.SetDefault("DEVICE_USER_AGENT", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "naivepay-session-events")
	v.SetDefault("KAFKA_GROUP_ID", "naivepay-session-relay")
	v.SetDefault("LOKI_URL", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.APIURL == "" {
		return nil, errors.New("config: NAIVEPAY_API_URL must be set")
	}
	u, err := url.Parse(cfg.APIURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.New("config: NAIVEPAY_API_URL must be an absolute http(s) URL")
	}

	if cfg.MaxLoginAttempts == 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.MaxLoginAttempts < 1 || cfg.MaxLoginAttempts > 100 {
		return nil, errors.New("config: MAX_LOGIN_ATTEMPTS must be between 1 and 100")
	}

	if cfg.StateDir == "" {
		root, err := os.UserConfigDir()
		if err != nil {
			return nil, errors.New("config: NAIVEPAY_STATE_DIR not set and no user config dir available")
		}
		cfg.StateDir = filepath.Join(root, "naivepay")
	}

	return &cfg, nil
}

// Timeout parses HTTPTimeout. Returns 15s if unset or invalid.
func (c *Config) Timeout() time.Duration {
	return parseDuration(c.HTTPTimeout, 15*time.Second)
}

// PollInterval parses InactivityPollInterval. Returns 60s if unset or invalid.
func (c *Config) PollInterval() time.Duration {
	return parseDuration(c.InactivityPollInterval, 60*time.Second)
}

// WarningThreshold parses InactivityWarningThreshold. Returns 1m if unset or invalid.
func (c *Config) WarningThreshold() time.Duration {
	return parseDuration(c.InactivityWarningThreshold, time.Minute)
}

// WatchInterval parses TokenWatchInterval. Returns 1s if unset or invalid.
func (c *Config) WatchInterval() time.Duration {
	return parseDuration(c.TokenWatchInterval, time.Second)
}

// ProfileDir is the durable per-profile store (survives process restarts).
func (c *Config) ProfileDir() string {
	return filepath.Join(c.StateDir, "profile")
}

// TabsDir holds one tab-scoped store per running client process.
func (c *Config) TabsDir() string {
	return filepath.Join(c.StateDir, "tabs")
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
