package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/duskrelay/duskrelay/internal/subdomain"
)

// DefaultClientConfigPath is where relay looks for its config file when
// none is given on the command line.
const DefaultClientConfigPath = "relay.yaml"

// ReconnectPolicy configures the client control endpoint's exponential
// backoff reconnection loop (§4.8).
type ReconnectPolicy struct {
	InitialDelay   time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	Multiplier     float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay       time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	JitterFraction float64       `mapstructure:"jitter_fraction" yaml:"jitter_fraction"`
}

// ClientConfig holds all configuration for the relay client.
type ClientConfig struct {
	// ServerURL is the base ws(s):// URL of the relayd control endpoint,
	// e.g. "wss://tunnel.example.com".
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`

	// SecretKey authenticates this client at the control endpoint.
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`

	// RequestedSubdomain, if set, asks the server to assign this exact
	// label instead of generating one.
	RequestedSubdomain string `mapstructure:"subdomain" yaml:"subdomain"`

	// LocalURL is the base URL of the local application this client
	// exposes, e.g. "http://localhost:3000".
	LocalURL string `mapstructure:"local_url" yaml:"local_url"`

	// InsecureSkipVerify disables TLS certificate verification when
	// dialing a wss:// server URL. Exposed for local development only.
	InsecureSkipVerify bool `mapstructure:"insecure" yaml:"insecure"`

	Reconnect ReconnectPolicy `mapstructure:"reconnect" yaml:"reconnect"`

	// LogLevel controls slog verbosity: debug, info, warn, or error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// DefaultClientConfig returns a ClientConfig populated with sensible
// defaults; callers still need to supply ServerURL, SecretKey, and
// LocalURL.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Reconnect: ReconnectPolicy{
			InitialDelay:   1 * time.Second,
			Multiplier:     2,
			MaxDelay:       2 * time.Minute,
			JitterFraction: 0.2,
		},
		LogLevel: "info",
	}
}

// LoadClientConfig reads relay's configuration from path (falling back to
// DefaultClientConfigPath when empty), applies environment variable
// overrides, and validates the result. It does not apply CLI flag
// overrides; callers bind those separately with viper.BindPFlag before
// calling LoadClientConfig so flags win over both file and env.
func LoadClientConfig(v *viper.Viper, path string) (*ClientConfig, error) {
	applyClientDefaults(v)

	if path == "" {
		path = DefaultClientConfigPath
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling client config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return &cfg, nil
}

func applyClientDefaults(v *viper.Viper) {
	d := DefaultClientConfig()
	v.SetDefault("reconnect.initial_delay", d.Reconnect.InitialDelay)
	v.SetDefault("reconnect.multiplier", d.Reconnect.Multiplier)
	v.SetDefault("reconnect.max_delay", d.Reconnect.MaxDelay)
	v.SetDefault("reconnect.jitter_fraction", d.Reconnect.JitterFraction)
	v.SetDefault("log_level", d.LogLevel)
}

// Validate checks that required fields are present and well-formed.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret_key is required")
	}
	if c.LocalURL == "" {
		return fmt.Errorf("local_url is required")
	}
	if c.RequestedSubdomain != "" && !subdomain.ValidateRequested(c.RequestedSubdomain) {
		// Validity (DNS-label shape) is re-checked by the server on
		// registration; a client-side pre-check just fails fast.
		return fmt.Errorf("subdomain %q is not a valid DNS label", c.RequestedSubdomain)
	}
	return nil
}
