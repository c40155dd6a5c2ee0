// Package config provides the daemon configuration schema. Values come
// from an optional procsi.yaml in the project, overridden by PROCSI_*
// environment variables. Everything has a working default: a project
// with no config file at all gets a fully functional daemon.
package config

import (
	"time"
)

// Config is the top-level daemon configuration.
type Config struct {
	// ProjectRoot anchors the per-project state directory. Resolved
	// from PROJECT_ROOT or the working directory, never from YAML.
	ProjectRoot string `yaml:"-" mapstructure:"-"`

	// LogLevel controls the slog handler threshold.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	Proxy        ProxyConfig       `yaml:"proxy" mapstructure:"proxy"`
	CA           CASettings        `yaml:"ca" mapstructure:"ca"`
	Store        StoreConfig       `yaml:"store" mapstructure:"store"`
	Interceptors InterceptorConfig `yaml:"interceptors" mapstructure:"interceptors"`
	Events       EventsConfig      `yaml:"events" mapstructure:"events"`
	Tracing      TracingConfig     `yaml:"tracing" mapstructure:"tracing"`
}

// ProxyConfig tunes the capture proxy.
type ProxyConfig struct {
	// PreferredPort is tried first when binding; 0 falls back to the
	// last bound port on record, then to an OS-assigned one.
	PreferredPort int `yaml:"preferred_port" mapstructure:"preferred_port" validate:"omitempty,min=0,max=65535"`
	// MaxBodySize caps stored body bytes per exchange side.
	MaxBodySize int64 `yaml:"max_body_size" mapstructure:"max_body_size" validate:"omitempty,min=1024"`
	// UpstreamTimeout bounds a single upstream round trip ("30s").
	UpstreamTimeout string `yaml:"upstream_timeout" mapstructure:"upstream_timeout" validate:"omitempty,duration"`
	// BypassList holds domains tunnelled without TLS interception.
	// Exact names and "*.suffix" globs.
	BypassList []string `yaml:"bypass_list" mapstructure:"bypass_list"`
	// CertTTL is how long minted leaf certificates are cached ("1h").
	CertTTL string `yaml:"cert_ttl" mapstructure:"cert_ttl" validate:"omitempty,duration"`
}

// CASettings shapes the generated project CA.
type CASettings struct {
	Organization  string `yaml:"organization" mapstructure:"organization"`
	ValidityYears int    `yaml:"validity_years" mapstructure:"validity_years" validate:"omitempty,min=1,max=30"`
}

// StoreConfig tunes the request repository.
type StoreConfig struct {
	// MaxRequests caps unbookmarked stored requests; older ones are
	// evicted past the cap.
	MaxRequests int `yaml:"max_requests" mapstructure:"max_requests" validate:"omitempty,min=100"`
}

// InterceptorConfig tunes the user script pipeline.
type InterceptorConfig struct {
	// MatchTimeout bounds a single match expression ("1s").
	MatchTimeout string `yaml:"match_timeout" mapstructure:"match_timeout" validate:"omitempty,duration"`
	// HandlerTimeout bounds a handler across both phases ("10s").
	HandlerTimeout string `yaml:"handler_timeout" mapstructure:"handler_timeout" validate:"omitempty,duration"`
}

// EventsConfig tunes the in-memory interceptor event log.
type EventsConfig struct {
	Capacity int `yaml:"capacity" mapstructure:"capacity" validate:"omitempty,min=10"`
}

// TracingConfig gates the stdout span exporter. Off by default; it is
// a debugging aid, not an observability surface.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Proxy.MaxBodySize == 0 {
		c.Proxy.MaxBodySize = 1 << 20
	}
	if c.Proxy.UpstreamTimeout == "" {
		c.Proxy.UpstreamTimeout = "30s"
	}
	if c.Proxy.CertTTL == "" {
		c.Proxy.CertTTL = "1h"
	}
	if c.CA.ValidityYears == 0 {
		c.CA.ValidityYears = 10
	}
	if c.Store.MaxRequests == 0 {
		c.Store.MaxRequests = 5000
	}
	if c.Interceptors.MatchTimeout == "" {
		c.Interceptors.MatchTimeout = "1s"
	}
	if c.Interceptors.HandlerTimeout == "" {
		c.Interceptors.HandlerTimeout = "10s"
	}
	if c.Events.Capacity == 0 {
		c.Events.Capacity = 1000
	}
}

// Validated duration accessors. Validate() guarantees these parse.

func (c *Config) UpstreamTimeout() time.Duration { return mustDuration(c.Proxy.UpstreamTimeout) }
func (c *Config) CertTTL() time.Duration         { return mustDuration(c.Proxy.CertTTL) }
func (c *Config) MatchTimeout() time.Duration    { return mustDuration(c.Interceptors.MatchTimeout) }
func (c *Config) HandlerTimeout() time.Duration  { return mustDuration(c.Interceptors.HandlerTimeout) }

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
