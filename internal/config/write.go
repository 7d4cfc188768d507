package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// configFilePermissions is the standard permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// configTemplate is the default config file content written by `config init`.
// All tuning knobs are present as commented-out defaults so users can
// discover every option without reading docs. The template is written once
// and never regenerated.
const configTemplate = `# semindex configuration

# Local directory whose text documents are indexed.
library_root = %q

# Target store: display name or full resource name.
store = %q

# Backend API root.
api_base_url = %q

# Directory for the catalog database (default: platform standard location)
# state_dir = ""

# [limits]
# requests_per_minute = 60
# min_interval = "200ms"
# concurrency = 10
# batch_size = 100

# [timeouts]
# import_timeout = "2m"
# visibility_timeout = "5m"
# retry_cooldown = "30s"

# [reconcile]
# missing_window = "168h"
# include_extensions = []

# [logging]
# log_level = "info"     # debug, info, warn, error
# log_format = "auto"    # auto, text, json

# [credentials]
# keyring_service = "semindex"
# keyring_user = "api-key"
`

// WriteInitial creates a new config file from the default template. Used by
// `config init`. Refuses to overwrite an existing file; the write is atomic
// (temp file + rename) and parent directories are created as needed.
func WriteInitial(path, libraryRoot, store, apiBaseURL string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	content := fmt.Sprintf(configTemplate, libraryRoot, store, apiBaseURL)

	return atomicWriteFile(path, []byte(content))
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. This prevents partial writes
// from corrupting the config file on crash.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
