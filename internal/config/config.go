package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// Defaults applied when the settings file leaves a field empty.
const (
	DefaultPort                = 8318
	DefaultMaxAttempts         = 3
	DefaultMaxErrorCount       = 3
	DefaultConnectTimeout      = 30 * time.Second
	DefaultRequestTimeout      = 120 * time.Second
	DefaultStreamIdleTimeout   = 60 * time.Second
	DefaultRefreshInterval     = 15 * time.Minute
	DefaultRefreshSkew         = 5 * time.Minute
	DefaultQuarantineCooldown  = 5 * time.Second
	MaxQuarantineCooldown      = 30 * time.Second
	DefaultMaxSocketsPerHost   = 100
	DefaultCredentialSlotCount = 0 // 0 means unlimited
)

// Settings is the gateway configuration. Loading and hot-reload of the file
// itself is handled by the supervisor; the gateway only reads it once.
type Settings struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	APIKey string `yaml:"api_key" json:"api_key"`

	LogLevel string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	LogFile  string `yaml:"log_file,omitempty" json:"log_file,omitempty"`

	RedisAddr     string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty" json:"redis_password,omitempty"`

	MaxAttempts   int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	MaxErrorCount int `yaml:"max_error_count,omitempty" json:"max_error_count,omitempty"`

	// SlotCapacity bounds concurrent in-flight requests per credential.
	// Zero means unlimited.
	SlotCapacity int `yaml:"slot_capacity,omitempty" json:"slot_capacity,omitempty"`

	ConnectTimeoutSec    int `yaml:"connect_timeout_sec,omitempty" json:"connect_timeout_sec,omitempty"`
	RequestTimeoutSec    int `yaml:"request_timeout_sec,omitempty" json:"request_timeout_sec,omitempty"`
	StreamIdleTimeoutSec int `yaml:"stream_idle_timeout_sec,omitempty" json:"stream_idle_timeout_sec,omitempty"`

	RefreshIntervalMin int `yaml:"refresh_interval_min,omitempty" json:"refresh_interval_min,omitempty"`

	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	UsageCacheFile  string `yaml:"usage_cache_file,omitempty" json:"usage_cache_file,omitempty"`

	// FallbackChains maps a provider kind to its ordered failover rules.
	FallbackChains map[typ.ProviderKind][]typ.FallbackRule `yaml:"fallback_chains,omitempty" json:"fallback_chains,omitempty"`
}

// Load reads settings from a YAML file and applies defaults.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	s.ApplyDefaults()
	return &s, nil
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (s *Settings) ApplyDefaults() {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.MaxErrorCount == 0 {
		s.MaxErrorCount = DefaultMaxErrorCount
	}
	if s.ConnectTimeoutSec == 0 {
		s.ConnectTimeoutSec = int(DefaultConnectTimeout.Seconds())
	}
	if s.RequestTimeoutSec == 0 {
		s.RequestTimeoutSec = int(DefaultRequestTimeout.Seconds())
	}
	if s.StreamIdleTimeoutSec == 0 {
		s.StreamIdleTimeoutSec = int(DefaultStreamIdleTimeout.Seconds())
	}
	if s.RefreshIntervalMin == 0 {
		s.RefreshIntervalMin = int(DefaultRefreshInterval.Minutes())
	}
}

// ConnectTimeout returns the upstream connect timeout.
func (s *Settings) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSec) * time.Second
}

// RequestTimeout returns the total timeout for non-streaming requests.
func (s *Settings) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// StreamIdleTimeout returns the inter-event timeout for streaming requests.
func (s *Settings) StreamIdleTimeout() time.Duration {
	return time.Duration(s.StreamIdleTimeoutSec) * time.Second
}

// RefreshInterval returns the token refresher tick period.
func (s *Settings) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalMin) * time.Minute
}
