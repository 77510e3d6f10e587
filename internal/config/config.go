// Package config loads gateway and client configuration from file,
// environment, and flags via viper, following the layered-source
// convention used across the retrieval pack's service binaries.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/subconscious-network/noosphere/internal/logging"
)

// Config holds every externally-tunable knob of a noosphere process.
// Zero values are replaced by Defaults().
type Config struct {
	// ListenAddr is the gateway's HTTP bind address, e.g. ":6667".
	ListenAddr string `mapstructure:"listen_addr"`

	// StorePath is the on-disk path for the bbolt-backed block store.
	// Empty means an in-memory store.
	StorePath string `mapstructure:"store_path"`

	// GatewayURL is the client-side gateway base URL used by core/sync.
	GatewayURL string `mapstructure:"gateway_url"`

	// NameResolverAddr is the multiaddr of the libp2p-backed name
	// resolver peer consumed by core/ns.
	NameResolverAddr string `mapstructure:"name_resolver_addr"`

	// PublishInterval and ResolveInterval govern the Name System
	// Adapter's two periodic tasks (§4.9).
	PublishInterval time.Duration `mapstructure:"publish_interval"`
	ResolveInterval time.Duration `mapstructure:"resolve_interval"`

	// ReplicationIdleTimeout is loaded like every other field, but no
	// package reads it: the Graph Walker uses its own InactivityTimeout
	// constant (§4.10, §5).
	ReplicationIdleTimeout time.Duration `mapstructure:"replication_idle_timeout"`

	// LogLevel mirrors NOOSPHERE_LOG.
	LogLevel string `mapstructure:"log_level"`

	// RateLimitBurst bounds how many /push and /replicate requests the
	// gateway admits per remote DID before rate-limiting kicks in (§4.8,
	// domain stack wiring).
	RateLimitBurst int `mapstructure:"rate_limit_burst"`
}

// Defaults returns the baseline configuration before any file, env, or
// flag overrides are applied.
func Defaults() Config {
	return Config{
		ListenAddr:             ":6667",
		StorePath:              "",
		GatewayURL:             "http://localhost:6667",
		PublishInterval:        5 * time.Minute,
		ResolveInterval:        60 * time.Second,
		ReplicationIdleTimeout: 5 * time.Second,
		LogLevel:               "info",
		RateLimitBurst:         256,
	}
}

// Load builds a viper instance bound to the NOOSPHERE_ environment
// namespace and an optional config file path (ignored if empty or
// absent), and unmarshals it into a Config seeded with Defaults().
func Load(configFile string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("NOOSPHERE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("log_level", "NOOSPHERE_LOG"); err != nil {
		return Config{}, err
	}

	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("store_path", cfg.StorePath)
	v.SetDefault("gateway_url", cfg.GatewayURL)
	v.SetDefault("name_resolver_addr", cfg.NameResolverAddr)
	v.SetDefault("publish_interval", cfg.PublishInterval)
	v.SetDefault("resolve_interval", cfg.ResolveInterval)
	v.SetDefault("replication_idle_timeout", cfg.ReplicationIdleTimeout)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("rate_limit_burst", cfg.RateLimitBurst)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return Config{}, err
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger builds the process's root logger from LogLevel, honoring
// NOOSPHERE_LOG per spec §6.
func (c Config) NewLogger(component string) *logging.Logger {
	return logging.New(logging.ParseLevel(c.LogLevel), component)
}
