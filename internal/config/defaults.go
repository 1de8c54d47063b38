package config

import "time"

// Default values for configuration options, chosen to be safe starting
// points that work without any config file present.
const (
	defaultFileChangeSyncMS       = 500
	defaultMaxHotEntries          = 64
	defaultMaxDiskSize            = "1GB"
	defaultConnectTimeout         = "10s"
	defaultDataTimeout            = "60s"
	defaultMaxRetries             = 5
	defaultLogLevel               = "info"
	defaultLogFormat              = "auto"
	defaultConnectTimeoutDuration = 10 * time.Second
	defaultDataTimeoutDuration    = 60 * time.Second
)

// DefaultConfig returns a Config populated with all default values. Used both
// as the starting point for TOML decoding (so unset fields retain defaults)
// and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{},
		Cache: CacheConfig{
			MaxHotEntries: defaultMaxHotEntries,
			MaxDiskSize:   defaultMaxDiskSize,
		},
		Watch: WatchConfig{
			FileChangeSyncMS: defaultFileChangeSyncMS,
		},
		KeyFiles: KeyFileConfig{Remember: false},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			UserAgent:      "vaultsync/" + "dev",
			MaxRetries:     defaultMaxRetries,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Backends: make(map[string]Backend),
	}
}
