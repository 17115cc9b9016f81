// Package config loads and validates claimd configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rclaim/claimd/internal/ratelimit"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	Auth     AuthConfig              `mapstructure:"auth"`
	Inbound  InboundConfig           `mapstructure:"inbound"`
	Outbound OutboundConfig          `mapstructure:"outbound"`
	Retry    RetryConfig             `mapstructure:"retry"`
	Registry RegistryConfig          `mapstructure:"registry"`
	Fetch    FetchConfig             `mapstructure:"fetch"`
	Targets  map[string]TargetConfig `mapstructure:"targets"`
	Logging  LoggingConfig           `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig holds the shared secret every websocket client must present.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// InboundConfig caps per-connection claim request rates.
type InboundConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// OutboundConfig paces fetch traffic per target host.
type OutboundConfig struct {
	RPS            float64                           `mapstructure:"rps"`
	Burst          int                               `mapstructure:"burst"`
	MaxWaitSeconds int                               `mapstructure:"max_wait_seconds"`
	Overrides      map[string]ratelimit.HostOverride `mapstructure:"overrides"`
}

// RetryConfig governs the fetch attempt ceiling and backoff schedule.
type RetryConfig struct {
	MaxAttempts      int     `mapstructure:"max_attempts"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMult      float64 `mapstructure:"backoff_multiplier"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
}

// RegistryConfig tunes cached-result retention.
type RegistryConfig struct {
	GraceSeconds int `mapstructure:"grace_seconds"`
	SweepSeconds int `mapstructure:"sweep_seconds"`
}

// FetchConfig configures the page fetcher.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// TargetConfig describes extraction for one target host. The "default" key
// is the fallback strategy for hosts with no entry of their own.
type TargetConfig struct {
	Root            string            `mapstructure:"root"`
	Fields          map[string]string `mapstructure:"fields"`
	Required        []string          `mapstructure:"required"`
	RejectedMarkers []string          `mapstructure:"rejected_markers"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLAIMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("inbound.rps", 5)
	v.SetDefault("inbound.burst", 10)
	v.SetDefault("outbound.rps", 1)
	v.SetDefault("outbound.burst", 2)
	v.SetDefault("outbound.max_wait_seconds", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.backoff_max_ms", 5000)
	v.SetDefault("registry.grace_seconds", 120)
	v.SetDefault("registry.sweep_seconds", 30)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.user_agent", "claimd/0.1")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Token == "" {
		return fmt.Errorf("auth.token must be set")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BackoffMult < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Registry.GraceSeconds < 0 {
		return fmt.Errorf("registry.grace_seconds must be >= 0")
	}
	for host, target := range c.Targets {
		if len(target.Fields) == 0 {
			return fmt.Errorf("targets.%s.fields must not be empty", host)
		}
	}
	return nil
}

// FetchTimeout converts the fetch timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// BackoffBase converts the initial backoff config into a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffInitialMs) * time.Millisecond
}

// BackoffMax converts the backoff ceiling config into a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond
}

// GracePeriod converts the registry grace config into a duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Registry.GraceSeconds) * time.Second
}

// SweepInterval converts the registry sweep config into a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Registry.SweepSeconds) * time.Second
}

// OutboundMaxWait converts the outbound wait budget into a duration.
func (c Config) OutboundMaxWait() time.Duration {
	return time.Duration(c.Outbound.MaxWaitSeconds) * time.Second
}
