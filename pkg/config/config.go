// Package config provides the runtime configuration for a connector process.
//
// The configuration is organized into logical sections:
//   - Identity: connector id, version, display name and registration token
//   - Endpoints: device (HTTP) and socket base URLs
//   - Keys: the base64 keypair protecting encrypted configuration fields
//   - Transport, Fetch, OAuth, Shutdown: protocol timings
//   - Observability: logging, metrics and tracing
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Identity.ID = "hubspot"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"net/url"
	"time"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
)

// RuntimeConfig is the complete configuration of a connector process.
type RuntimeConfig struct {
	Identity      IdentityConfig      `yaml:"identity" json:"identity"`
	Endpoints     EndpointsConfig     `yaml:"endpoints" json:"endpoints"`
	Keys          KeysConfig          `yaml:"keys" json:"keys"`
	Transport     TransportConfig     `yaml:"transport" json:"transport"`
	Fetch         FetchConfig         `yaml:"fetch" json:"fetch"`
	OAuth         OAuthConfig         `yaml:"oauth" json:"oauth"`
	Shutdown      ShutdownConfig      `yaml:"shutdown" json:"shutdown"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// IdentityConfig identifies the connector to the orchestration service.
type IdentityConfig struct {
	// ID is also the audience of every encrypted field
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
	Name    string `yaml:"name" json:"name"`
	// IconPath points to an optional icon uploaded on registration
	IconPath string `yaml:"icon_path" json:"icon_path"`
	// RegistrationToken is the long-lived bootstrap secret
	RegistrationToken string `yaml:"registration_token" json:"registration_token"`
}

// EndpointsConfig holds the remote service base URLs.
type EndpointsConfig struct {
	DeviceURL string `yaml:"device_url" json:"device_url"`
	SocketURL string `yaml:"socket_url" json:"socket_url"`
}

// KeysConfig holds the keypair in its base64 transport encoding.
type KeysConfig struct {
	PrivateKey string `yaml:"private_key" json:"private_key"`
	PublicKey  string `yaml:"public_key" json:"public_key"`
	// Issuer is bound into every encrypted token
	Issuer string `yaml:"issuer" json:"issuer"`
}

// TransportConfig contains socket and handshake timings.
type TransportConfig struct {
	// PingInterval is how often the server pings the socket
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`
	// HeartbeatGrace is added to PingInterval before the watchdog fires
	HeartbeatGrace time.Duration `yaml:"heartbeat_grace" json:"heartbeat_grace"`
	// SweepInterval is how often expired pending calls are resolved
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	// CallTimeout is the age after which a pending call times out
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
	// FlushInterval debounces the outbound queue
	FlushInterval       time.Duration `yaml:"flush_interval" json:"flush_interval"`
	ReconnectDelay      time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	HandshakeRetryDelay time.Duration `yaml:"handshake_retry_delay" json:"handshake_retry_delay"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
}

// FetchConfig contains outbound HTTP retry settings.
type FetchConfig struct {
	Retries        int           `yaml:"retries" json:"retries"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`
	RateLimitDelay time.Duration `yaml:"rate_limit_delay" json:"rate_limit_delay"`
	// MaxTimeout caps every attempt regardless of the requested timeout, and
	// the total time spent waiting out rate limits
	MaxTimeout     time.Duration `yaml:"max_timeout" json:"max_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// OAuthConfig contains OAuth session defaults.
type OAuthConfig struct {
	RefreshInterval        time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
	DisablePeriodicRefresh bool          `yaml:"disable_periodic_refresh" json:"disable_periodic_refresh"`
}

// ShutdownConfig contains the graceful shutdown settings.
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogFormat is json or console
	LogFormat string `yaml:"log_format" json:"log_format"`
	// MetricsAddr enables the /metrics and /healthz listener when set
	MetricsAddr       string  `yaml:"metrics_addr" json:"metrics_addr"`
	EnableTracing     bool    `yaml:"enable_tracing" json:"enable_tracing"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// Default returns a configuration populated with the protocol defaults.
func Default() *RuntimeConfig {
	return &RuntimeConfig{
		Identity: IdentityConfig{
			Version: "1.0.0",
		},
		Keys: KeysConfig{
			Issuer: "nebula-connector",
		},
		Transport: TransportConfig{
			PingInterval:        30 * time.Second,
			HeartbeatGrace:      30 * time.Second,
			SweepInterval:       45 * time.Second,
			CallTimeout:         5 * time.Minute,
			FlushInterval:       10 * time.Millisecond,
			ReconnectDelay:      5 * time.Second,
			HandshakeRetryDelay: 5 * time.Second,
			HandshakeTimeout:    30 * time.Second,
		},
		Fetch: FetchConfig{
			Retries:        3,
			RetryDelay:     500 * time.Millisecond,
			RateLimitDelay: 10 * time.Second,
			MaxTimeout:     30 * time.Minute,
			RequestTimeout: 60 * time.Second,
		},
		OAuth: OAuthConfig{
			RefreshInterval: 4 * time.Hour,
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingSampleRate: 1.0,
		},
	}
}

// Validate checks required fields and timing ranges.
func (c *RuntimeConfig) Validate() error {
	if c.Identity.ID == "" {
		return errors.New(errors.ErrorTypeConfig, "identity.id is required (CONNECTOR_ID)")
	}
	if c.Identity.RegistrationToken == "" {
		return errors.New(errors.ErrorTypeConfig, "identity.registration_token is required (CONNECTOR_REGISTRATION_TOKEN)")
	}
	if err := validateURL("endpoints.device_url", c.Endpoints.DeviceURL); err != nil {
		return err
	}
	if err := validateURL("endpoints.socket_url", c.Endpoints.SocketURL); err != nil {
		return err
	}

	positive := map[string]time.Duration{
		"transport.ping_interval":         c.Transport.PingInterval,
		"transport.sweep_interval":        c.Transport.SweepInterval,
		"transport.call_timeout":          c.Transport.CallTimeout,
		"transport.flush_interval":        c.Transport.FlushInterval,
		"transport.reconnect_delay":       c.Transport.ReconnectDelay,
		"transport.handshake_retry_delay": c.Transport.HandshakeRetryDelay,
		"fetch.max_timeout":               c.Fetch.MaxTimeout,
		"fetch.request_timeout":           c.Fetch.RequestTimeout,
		"oauth.refresh_interval":          c.OAuth.RefreshInterval,
		"shutdown.grace_period":           c.Shutdown.GracePeriod,
	}
	for name, d := range positive {
		if d <= 0 {
			return errors.Newf(errors.ErrorTypeConfig, "%s must be positive", name)
		}
	}
	if c.Transport.HeartbeatGrace < 0 {
		return errors.New(errors.ErrorTypeConfig, "transport.heartbeat_grace cannot be negative")
	}
	if c.Fetch.Retries < 0 {
		return errors.New(errors.ErrorTypeConfig, "fetch.retries cannot be negative")
	}
	if c.Fetch.RetryDelay < 0 || c.Fetch.RateLimitDelay < 0 {
		return errors.New(errors.ErrorTypeConfig, "fetch delays cannot be negative")
	}
	if r := c.Observability.TracingSampleRate; r < 0 || r > 1 {
		return errors.New(errors.ErrorTypeConfig, "observability.tracing_sample_rate must be within [0, 1]")
	}
	return nil
}

// HeartbeatTimeout is the watchdog period: one ping interval plus grace.
func (t *TransportConfig) HeartbeatTimeout() time.Duration {
	return t.PingInterval + t.HeartbeatGrace
}

// HasKeys reports whether any part of the keypair is configured.
func (k *KeysConfig) HasKeys() bool {
	return k.PrivateKey != "" || k.PublicKey != ""
}

func validateURL(name, raw string) error {
	if raw == "" {
		return errors.Newf(errors.ErrorTypeConfig, "%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Newf(errors.ErrorTypeConfig, "%s must be an absolute URL, got %q", name, raw)
	}
	return nil
}
