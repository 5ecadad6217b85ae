// Package config loads the coordinator's runtime configuration from
// flags, environment variables, a config file, and built-in defaults, in
// that order of precedence, using Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the coordinator's full runtime configuration.
type Config struct {
	// Port is the HTTP listen port for the control/data plane.
	Port int `mapstructure:"port"`

	// RedisURL is the connection string for the external metadata store.
	RedisURL string `mapstructure:"redis_url"`

	// Nodes is the statically configured pool of storage node base URLs.
	Nodes []string `mapstructure:"nodes"`

	// ChunkSize overrides metadata.ChunkSize for new uploads.
	ChunkSize int `mapstructure:"chunk_size"`

	// HeartbeatDeadline is how stale a node's heartbeat may be before it
	// is considered dead.
	HeartbeatDeadline time.Duration `mapstructure:"heartbeat_deadline"`

	// LeaseTick is how often the leader lease is renewed or contested.
	LeaseTick time.Duration `mapstructure:"lease_tick"`
	// LeaseTTL is how long a leader's lease is valid without renewal.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`

	// RebalanceInterval is how often the rebalancer scans for
	// under-replicated chunks.
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`
	// PrecacheInterval is how often the pre-cache loop polls orbital
	// status.
	PrecacheInterval time.Duration `mapstructure:"precache_interval"`
	// PrecacheThresholdMs is the lead time within which an upcoming
	// blackout triggers pre-caching: a node whose next blackout is fewer
	// than this many milliseconds away is pre-cached.
	PrecacheThresholdMs int64 `mapstructure:"precache_threshold_ms"`

	// CacheMaxEntries and CacheMaxBytes bound the in-memory read cache.
	CacheMaxEntries int   `mapstructure:"cache_max_entries"`
	CacheMaxBytes   int64 `mapstructure:"cache_max_bytes"`

	// MaxUploadBytes bounds the size of a single accepted upload body.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`

	// LogLevel and LogFormat control the structured logger.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// EnvPrefix is the prefix environment variables use to override config
// values, e.g. CRYOVAULT_PORT, CRYOVAULT_REDIS_URL.
const EnvPrefix = "CRYOVAULT"

// Default returns the configuration used when no file, flags, or
// environment overrides are present. Port is deliberately left unset:
// the coordinator must be told which port to listen on and refuses to
// start otherwise.
func Default() Config {
	return Config{
		Port:                0,
		RedisURL:            "redis://localhost:6379/0",
		Nodes:               nil,
		ChunkSize:           1 << 20,
		HeartbeatDeadline:   6 * time.Second,
		LeaseTick:           2 * time.Second,
		LeaseTTL:            5 * time.Second,
		RebalanceInterval:   10 * time.Second,
		PrecacheInterval:    3 * time.Second,
		PrecacheThresholdMs: 4000,
		CacheMaxEntries:     5,
		CacheMaxBytes:       200 << 20,
		MaxUploadBytes:      64 << 20,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load builds a Viper-backed configuration: flags (if flags is non-nil)
// override environment variables (CRYOVAULT_*), which override
// configFile (if it exists), which override Default.
func Load(configFile string, flags *pflag.FlagSet) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v, def)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("config: binding flags: %w", err)
		}
		if f := flags.Lookup("redis-url"); f != nil {
			if err := v.BindPFlag("redis_url", f); err != nil {
				return Config{}, fmt.Errorf("config: binding flags: %w", err)
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, isNotFound := err.(viper.ConfigFileNotFoundError); !isNotFound && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshaling: %w", err)
	}

	if len(cfg.Nodes) == 0 {
		if nodes := v.GetString("nodes"); nodes != "" {
			cfg.Nodes = strings.Split(nodes, ",")
		}
	}

	if cfg.Port == 0 {
		return Config{}, fmt.Errorf("config: port is required (set --port or %s_PORT)", EnvPrefix)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("redis_url", def.RedisURL)
	v.SetDefault("chunk_size", def.ChunkSize)
	v.SetDefault("heartbeat_deadline", def.HeartbeatDeadline)
	v.SetDefault("lease_tick", def.LeaseTick)
	v.SetDefault("lease_ttl", def.LeaseTTL)
	v.SetDefault("rebalance_interval", def.RebalanceInterval)
	v.SetDefault("precache_interval", def.PrecacheInterval)
	v.SetDefault("precache_threshold_ms", def.PrecacheThresholdMs)
	v.SetDefault("cache_max_entries", def.CacheMaxEntries)
	v.SetDefault("cache_max_bytes", def.CacheMaxBytes)
	v.SetDefault("max_upload_bytes", def.MaxUploadBytes)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
}
