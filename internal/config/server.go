// Package config loads and validates the configuration for both binaries
// (relayd, the public server, and relay, the tunneling client) from a YAML
// file overridden by environment variables and command-line flags, in that
// precedence order, using spf13/viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultServerConfigPath is where relayd looks for its config file
	// when none is given on the command line.
	DefaultServerConfigPath = "/etc/duskrelay/relayd.yaml"

	envPrefix = "DUSKRELAY"
)

// ServerConfig holds all configuration for the public-facing relayd
// server: the HTTP(S)/WS ingress, the control-channel endpoint, and the
// request forwarder's limits.
type ServerConfig struct {
	// ListenAddr is the address the combined public ingress + control
	// endpoint binds to. TLS termination is assumed to happen in front of
	// this process (e.g. a reverse proxy); ListenAddr is plain HTTP.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// TunnelDomain is the base domain tunnels are published under, e.g.
	// "tunnel.example.com" for "<subdomain>.tunnel.example.com".
	TunnelDomain string `mapstructure:"tunnel_domain" yaml:"tunnel_domain"`

	// SecretKeys is the allow-set of shared secrets accepted at the
	// control endpoint. A connecting client's ?secret= must match one.
	SecretKeys []string `mapstructure:"secret_keys" yaml:"secret_keys"`

	// RequestTimeout bounds how long the forwarder waits for a RESPONSE
	// envelope before resolving the external request with 504.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// MaxBodySize bounds the external request body size accepted before a
	// request is refused with 413, ahead of being forwarded.
	MaxBodySize int64 `mapstructure:"max_body_size" yaml:"max_body_size"`

	// SendWindow bounds how long a control-socket write may take before
	// the corresponding request is failed with 502 (backpressure, §5).
	SendWindow time.Duration `mapstructure:"send_window" yaml:"send_window"`

	// AllocatorRetries bounds how many collision retries the subdomain
	// allocator attempts before failing with SERVER_ERROR.
	AllocatorRetries int `mapstructure:"allocator_retries" yaml:"allocator_retries"`

	// AdmissionBurst and AdmissionRefill configure the per-remote-address
	// token bucket guarding control-connection admission (§4.14).
	AdmissionBurst  int           `mapstructure:"admission_burst" yaml:"admission_burst"`
	AdmissionRefill time.Duration `mapstructure:"admission_refill" yaml:"admission_refill"`

	// LogLevel controls slog verbosity: debug, info, warn, or error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// DefaultServerConfig returns a ServerConfig populated with sensible
// defaults; callers still need to supply TunnelDomain and SecretKeys.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:       ":8080",
		RequestTimeout:   30 * time.Second,
		MaxBodySize:      10 << 20, // 10 MiB
		SendWindow:       5 * time.Second,
		AllocatorRetries: 10,
		AdmissionBurst:   20,
		AdmissionRefill:  time.Second,
		LogLevel:         "info",
	}
}

// LoadServerConfig reads relayd's configuration from path (falling back to
// DefaultServerConfigPath when empty), applies environment variable
// overrides, and validates the result.
func LoadServerConfig(path string) (*ServerConfig, error) {
	v := viper.New()
	applyServerDefaults(v)

	if path == "" {
		path = DefaultServerConfigPath
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		// Config file not found; rely on env vars and defaults.
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling server config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return &cfg, nil
}

func applyServerDefaults(v *viper.Viper) {
	d := DefaultServerConfig()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("max_body_size", d.MaxBodySize)
	v.SetDefault("send_window", d.SendWindow)
	v.SetDefault("allocator_retries", d.AllocatorRetries)
	v.SetDefault("admission_burst", d.AdmissionBurst)
	v.SetDefault("admission_refill", d.AdmissionRefill)
	v.SetDefault("log_level", d.LogLevel)
}

// Validate checks that required fields are present and well-formed.
func (c *ServerConfig) Validate() error {
	if c.TunnelDomain == "" {
		return fmt.Errorf("tunnel_domain is required")
	}
	if len(c.SecretKeys) == 0 {
		return fmt.Errorf("at least one secret_keys entry is required")
	}
	if c.MaxBodySize <= 0 {
		return fmt.Errorf("max_body_size must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.SendWindow <= 0 {
		return fmt.Errorf("send_window must be positive")
	}
	if c.AllocatorRetries <= 0 {
		return fmt.Errorf("allocator_retries must be positive")
	}
	return nil
}

// AcceptsSecret reports whether secret is in the configured allow-set.
func (c *ServerConfig) AcceptsSecret(secret string) bool {
	for _, k := range c.SecretKeys {
		if constantTimeEqual(k, secret) {
			return true
		}
	}
	return false
}
