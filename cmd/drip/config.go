package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"

	"github.com/rendis/drip/internal/xjson"
)

// Duration is a time.Duration read from JSON as "90s" or as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return xjson.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := xjson.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := xjson.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// ChannelConfig points a messaging channel at an HTTP gateway.
type ChannelConfig struct {
	URL     string   `json:"url"`
	Timeout Duration `json:"timeout,omitempty"`
}

// Config holds all drip server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string                   `json:"listen_addr"`
	Store         string                   `json:"store"` // memory, libsql, badger or redis
	DBPath        string                   `json:"db_path"`
	BadgerDir     string                   `json:"badger_dir"`
	RedisAddr     string                   `json:"redis_addr"` // redis:// URL
	RedisPrefix   string                   `json:"redis_prefix"`
	CatalogDir    string                   `json:"catalog_dir"` // empty serves the built-in flows
	LogLevel      string                   `json:"log_level"`
	PoolSize      int                      `json:"pool_size"`
	SweepInterval Duration                 `json:"sweep_interval"`
	LeaseTTL      Duration                 `json:"lease_ttl"`
	StaleAfter    Duration                 `json:"stale_after"`
	Metrics       bool                     `json:"metrics"`
	Channels      map[string]ChannelConfig `json:"channels,omitempty"`

	// VaultPassphrase enables the encrypted vault. Env only.
	VaultPassphrase string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4200",
		Store:         "libsql",
		DBPath:        "file:" + filepath.Join(dripDir(), "drip.db"),
		BadgerDir:     filepath.Join(dripDir(), "badger"),
		RedisAddr:     "redis://localhost:6379/0",
		RedisPrefix:   "drip:",
		LogLevel:      "info",
		PoolSize:      16,
		SweepInterval: Duration(time.Second),
		LeaseTTL:      Duration(30 * time.Second),
		StaleAfter:    Duration(2 * time.Minute),
	}
}

func dripDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drip"
	}
	return filepath.Join(home, ".drip")
}

func settingsPath() string {
	return filepath.Join(dripDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(dripDir(), "drip.pid")
}

func saltPath() string {
	return filepath.Join(dripDir(), "vault.salt")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignored if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		var file Config
		if err := xjson.Unmarshal(data, &file); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
		if err := mergo.Merge(&cfg, file, mergo.WithOverride); err != nil {
			return cfg, fmt.Errorf("merge %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	env, err := envConfig(os.LookupEnv)
	if err != nil {
		return cfg, err
	}
	if err := mergo.Merge(&cfg, env, mergo.WithOverride); err != nil {
		return cfg, fmt.Errorf("merge env: %w", err)
	}
	return cfg, nil
}

// envConfig reads DRIP_* variables. Unset variables stay zero so the merge
// keeps lower layers.
func envConfig(lookup func(string) (string, bool)) (Config, error) {
	var cfg Config
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DRIP_LISTEN_ADDR", &cfg.ListenAddr)
	str("DRIP_STORE", &cfg.Store)
	str("DRIP_DB_PATH", &cfg.DBPath)
	str("DRIP_BADGER_DIR", &cfg.BadgerDir)
	str("DRIP_REDIS_ADDR", &cfg.RedisAddr)
	str("DRIP_REDIS_PREFIX", &cfg.RedisPrefix)
	str("DRIP_CATALOG_DIR", &cfg.CatalogDir)
	str("DRIP_LOG_LEVEL", &cfg.LogLevel)
	str("DRIP_VAULT_PASSPHRASE", &cfg.VaultPassphrase)

	if v, ok := lookup("DRIP_POOL_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("DRIP_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	durations := map[string]*Duration{
		"DRIP_SWEEP_INTERVAL": &cfg.SweepInterval,
		"DRIP_LEASE_TTL":      &cfg.LeaseTTL,
		"DRIP_STALE_AFTER":    &cfg.StaleAfter,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}
	if v, ok := lookup("DRIP_METRICS"); ok && v != "" {
		cfg.Metrics = v == "true" || v == "1"
	}
	return cfg, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	MetricsChanged  bool
	LogLevelChanged bool
	CatalogChanged  bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Metrics != new.Metrics {
		d.MetricsChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.CatalogDir != new.CatalogDir {
		d.CatalogChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"store", old.Store != new.Store},
		{"db_path", old.DBPath != new.DBPath},
		{"badger_dir", old.BadgerDir != new.BadgerDir},
		{"redis_addr", old.RedisAddr != new.RedisAddr},
		{"redis_prefix", old.RedisPrefix != new.RedisPrefix},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"sweep_interval", old.SweepInterval != new.SweepInterval},
		{"lease_ttl", old.LeaseTTL != new.LeaseTTL},
		{"stale_after", old.StaleAfter != new.StaleAfter},
		{"channels", !sameChannels(old.Channels, new.Channels)},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}

func sameChannels(a, b map[string]ChannelConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ca := range a {
		if cb, ok := b[name]; !ok || ca != cb {
			return false
		}
	}
	return true
}
