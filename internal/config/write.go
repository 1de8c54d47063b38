package config

import (
	"os"
	"path/filepath"
)

// configFilePermissions restricts config files to owner read/write, world read.
const configFilePermissions = 0o644

// configDirPermissions is used when creating the config directory.
const configDirPermissions = 0o755

// configTemplate is the default config file content written on first run.
// The commonly tuned settings are present as commented-out defaults; the
// template does not list every Config field.
const configTemplate = `# vaultsync configuration

# ── Registry (C2: FileInfo registry) ──
# registry.path = ""

# ── Cache (C1: always-present content-addressed backend) ──
# cache.dir = ""
# cache.max_hot_entries = 64

# ── Watch (local storage backend change debounce) ──
# watch.file_change_sync_ms = 500

# ── Key files ──
# key_files.remember = false

# ── Network (cloud backend HTTP client) ──
# network.connect_timeout = "10s"
# network.data_timeout = "60s"
# network.max_retries = 5

# ── Logging ──
# logging.log_level = "info"

# ── Backends ──
# One [backend.<tag>] section per remote backend. Example:
# [backend.cloud]
# endpoint = "https://example.invalid/api"
# token_file = ""
`

// WriteDefault writes the default config template to path if no file exists
// there yet. It creates parent directories as needed. Existing files are
// left untouched — user edits are never overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), configDirPermissions); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(configTemplate), configFilePermissions)
}
