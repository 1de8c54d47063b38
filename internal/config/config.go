// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for vaultsync.
package config

import "time"

// Config is the top-level configuration structure for the sync engine.
// Per-field defaults live in defaults.go; env overrides in env.go.
type Config struct {
	Registry    RegistryConfig    `toml:"registry"`
	Cache       CacheConfig       `toml:"cache"`
	Watch       WatchConfig       `toml:"watch"`
	KeyFiles    KeyFileConfig     `toml:"key_files"`
	Network     NetworkConfig     `toml:"network"`
	Logging     LoggingConfig     `toml:"logging"`
	Backends    map[string]Backend `toml:"backend"`
}

// RegistryConfig controls the FileInfo registry (C2) persistence.
type RegistryConfig struct {
	// Path to the sqlite database backing the FileInfo registry.
	// Empty means DefaultDataDir()/registry.db.
	Path string `toml:"path"`
}

// CacheConfig controls the content-addressed cache backend (C1).
type CacheConfig struct {
	// Dir is the directory holding one file per FileInfo id.
	// Empty means DefaultCacheDir().
	Dir string `toml:"dir"`
	// MaxHotEntries bounds the in-memory LRU layer in front of the on-disk cache.
	MaxHotEntries int `toml:"max_hot_entries"`
	// MaxDiskSize bounds the on-disk cache directory's total size, as a
	// human-readable size string (e.g. "500MB", "2GiB"). Empty or "0" means
	// unlimited. Parsed by MaxDiskSizeBytes via ParseSize.
	MaxDiskSize string `toml:"max_disk_size"`
}

// MaxDiskSizeBytes parses MaxDiskSize, falling back to unlimited (0) on an
// empty or unparseable value — mirroring NetworkConfig's
// ConnectTimeoutDuration/DataTimeoutDuration fallback pattern.
func (c CacheConfig) MaxDiskSizeBytes() int64 {
	n, err := ParseSize(c.MaxDiskSize)
	if err != nil {
		return 0
	}

	return n
}

// WatchConfig controls local file-change notification debouncing (§5).
type WatchConfig struct {
	// FileChangeSyncMS is the debounce window, in milliseconds, collapsing
	// rapid filesystem notifications into a single sync(file) call.
	FileChangeSyncMS int `toml:"file_change_sync_ms"`
}

// KeyFileConfig controls whether key-file hints are persisted in the registry.
type KeyFileConfig struct {
	Remember bool `toml:"remember"`
}

// NetworkConfig holds HTTP client and retry settings for cloud backends.
// They are parsed and validated, but the CLI wiring does not pass them to
// backend.NewCloud: the cloud backend uses its own fixed retry/backoff
// constants and http.DefaultClient.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
	MaxRetries     int    `toml:"max_retries"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// Backend holds backend-specific opaque options for a single storage tag
// (e.g. "cloud"), persisted under [backend.cloud] in the config file.
type Backend struct {
	Endpoint     string            `toml:"endpoint"`
	TokenFile    string            `toml:"token_file"`
	ClientID     string            `toml:"client_id"`
	WatchEnabled bool              `toml:"watch_enabled"`
	Opts         map[string]string `toml:"opts"`
}

// ConnectTimeoutDuration parses NetworkConfig.ConnectTimeout, falling back
// to the default on empty or unparseable values.
func (n NetworkConfig) ConnectTimeoutDuration() time.Duration {
	return parseDurationOrDefault(n.ConnectTimeout, defaultConnectTimeoutDuration)
}

// DataTimeoutDuration parses NetworkConfig.DataTimeout, falling back to the
// default on empty or unparseable values.
func (n NetworkConfig) DataTimeoutDuration() time.Duration {
	return parseDurationOrDefault(n.DataTimeout, defaultDataTimeoutDuration)
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}

	return d
}
