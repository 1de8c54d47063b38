package config

import "fmt"

// Validate checks a Config for internally-consistent values. Called by Load
// after TOML decode.
func Validate(cfg *Config) error {
	if cfg.Watch.FileChangeSyncMS < 0 {
		return fmt.Errorf("config: watch.file_change_sync_ms must be non-negative, got %d", cfg.Watch.FileChangeSyncMS)
	}

	if cfg.Cache.MaxHotEntries < 0 {
		return fmt.Errorf("config: cache.max_hot_entries must be non-negative, got %d", cfg.Cache.MaxHotEntries)
	}

	if _, err := ParseSize(cfg.Cache.MaxDiskSize); err != nil {
		return fmt.Errorf("config: cache.max_disk_size: %w", err)
	}

	if cfg.Network.MaxRetries < 0 {
		return fmt.Errorf("config: network.max_retries must be non-negative, got %d", cfg.Network.MaxRetries)
	}

	for tag, b := range cfg.Backends {
		if tag == "cache" || tag == "" {
			return fmt.Errorf("config: backend tag %q is reserved", tag)
		}

		if b.Endpoint == "" && tag != "file" {
			return fmt.Errorf("config: backend %q missing endpoint", tag)
		}
	}

	return nil
}
