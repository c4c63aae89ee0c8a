// Package config loads service configuration: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/admetric/reportcache/pkg/factstore"
	"github.com/admetric/reportcache/pkg/freshness"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// REPORTCACHE_SERVER_PORT=9090 sets server.port.
const EnvPrefix = "REPORTCACHE_"

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/reportcache/config.yaml",
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// StoreConfig holds fact store settings.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// RedisConfig holds the optional distributed lock backend. An empty Addr
// selects the in-process lock table.
type RedisConfig struct {
	Addr string `koanf:"addr"`
	DB   int    `koanf:"db"`
}

// UpstreamConfig holds the reporting API client settings. An empty URL
// leaves the upstream unconfigured; cached data stays servable but the
// blocking path fails.
type UpstreamConfig struct {
	URL     string        `koanf:"url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

// FreshnessWindow is one fresh/stale threshold pair.
type FreshnessWindow struct {
	Fresh time.Duration `koanf:"fresh"`
	Stale time.Duration `koanf:"stale"`
}

// FreshnessConfig holds serving thresholds: a default pair plus per-entity
// overrides. These are independent of the retention windows below.
type FreshnessConfig struct {
	Default      FreshnessWindow            `koanf:"default"`
	ByEntityType map[string]FreshnessWindow `koanf:"by_entity_type"`
}

// LockConfig holds refresh lock settings.
type LockConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// ThrottleConfig holds the blocking-fetch guard settings.
type ThrottleConfig struct {
	Cooldown     time.Duration `koanf:"cooldown"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
}

// WorkerConfig holds background pool settings.
type WorkerConfig struct {
	Concurrency   int `koanf:"concurrency"`
	JobsPerMinute int `koanf:"jobs_per_minute"`
	QueueSize     int `koanf:"queue_size"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Store     StoreConfig     `koanf:"store"`
	Redis     RedisConfig     `koanf:"redis"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Freshness FreshnessConfig `koanf:"freshness"`
	Retention map[string]int  `koanf:"retention"`
	Lock      LockConfig      `koanf:"lock"`
	Throttle  ThrottleConfig  `koanf:"throttle"`
	Worker    WorkerConfig    `koanf:"worker"`
}

// defaultConfig returns all defaults; file and env values override them.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
		Store: StoreConfig{
			Path: "reportcache.db",
		},
		Redis: RedisConfig{
			Addr: "",
			DB:   0,
		},
		Upstream: UpstreamConfig{
			URL:     "",
			APIKey:  "",
			Timeout: 30 * time.Second,
		},
		Freshness: FreshnessConfig{
			Default: FreshnessWindow{
				Fresh: 5 * time.Minute,
				Stale: 24 * time.Hour,
			},
		},
		Retention: map[string]int(factstore.DefaultRetentionPolicy()),
		Lock: LockConfig{
			TTL: 5 * time.Minute,
		},
		Throttle: ThrottleConfig{
			Cooldown:     30 * time.Second,
			FetchTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:   2,
			JobsPerMinute: 10,
			QueueSize:     64,
		},
	}
}

// Load builds the configuration from defaults, the first config file found
// (or path when non-empty), and REPORTCACHE_ environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	configPath := path
	if configPath == "" {
		for _, candidate := range DefaultConfigPaths {
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
				break
			}
		}
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	// REPORTCACHE_WORKER_JOBS_PER_MINUTE -> worker.jobs_per_minute: the
	// first underscore separates the section, the rest stay literal.
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.Replace(key, "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	return &cfg, nil
}

// Thresholds converts the freshness section into classifier thresholds.
func (c *Config) Thresholds() (defaults freshness.Thresholds, byEntity map[string]freshness.Thresholds) {
	defaults = freshness.Thresholds{
		Fresh: c.Freshness.Default.Fresh,
		Stale: c.Freshness.Default.Stale,
	}

	byEntity = make(map[string]freshness.Thresholds, len(c.Freshness.ByEntityType))
	for entityType, w := range c.Freshness.ByEntityType {
		byEntity[entityType] = freshness.Thresholds{Fresh: w.Fresh, Stale: w.Stale}
	}
	return defaults, byEntity
}
