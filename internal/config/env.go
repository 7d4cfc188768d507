package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "SEMINDEX_CONFIG"
	EnvLibraryRoot = "SEMINDEX_LIBRARY_ROOT"
	EnvStore       = "SEMINDEX_STORE"
	EnvAPIBaseURL  = "SEMINDEX_API_BASE_URL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath  string // SEMINDEX_CONFIG: override config file path
	LibraryRoot string // SEMINDEX_LIBRARY_ROOT: library root override
	Store       string // SEMINDEX_STORE: target store override
	APIBaseURL  string // SEMINDEX_API_BASE_URL: backend endpoint override
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the relevant
// fields in precedence order.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfig),
		LibraryRoot: os.Getenv(EnvLibraryRoot),
		Store:       os.Getenv(EnvStore),
		APIBaseURL:  os.Getenv(EnvAPIBaseURL),
	}
}
