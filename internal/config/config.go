// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for semindex. It supports a three-layer
// override chain (defaults -> config file -> environment/CLI flags) and
// produces a fully typed Resolved value the commands consume directly.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Scalar connection settings are flat top-level keys; tuning knobs live in
// named sections.
type Config struct {
	LibraryRoot string `toml:"library_root"`
	Store       string `toml:"store"`
	APIBaseURL  string `toml:"api_base_url"`
	StateDir    string `toml:"state_dir"`

	Limits      LimitsConfig      `toml:"limits"`
	Timeouts    TimeoutsConfig    `toml:"timeouts"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
	Logging     LoggingConfig     `toml:"logging"`
	Credentials CredentialsConfig `toml:"credentials"`
}

// LimitsConfig controls request pacing and dispatch parallelism.
type LimitsConfig struct {
	RequestsPerMinute int    `toml:"requests_per_minute"`
	MinInterval       string `toml:"min_interval"`
	Concurrency       int    `toml:"concurrency"`
	BatchSize         int    `toml:"batch_size"`
}

// TimeoutsConfig controls how long the pipeline waits on backend-side work.
type TimeoutsConfig struct {
	ImportTimeout     string `toml:"import_timeout"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	RetryCooldown     string `toml:"retry_cooldown"`
}

// ReconcileConfig controls the library walk and the missing-record prune.
// An empty include_extensions list admits every regular file.
type ReconcileConfig struct {
	MissingWindow     string   `toml:"missing_window"`
	IncludeExtensions []string `toml:"include_extensions"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CredentialsConfig names the OS keyring entry holding the API key. The key
// itself is never stored in the config file.
type CredentialsConfig struct {
	KeyringService string `toml:"keyring_service"`
	KeyringUser    string `toml:"keyring_user"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Empty string means "not specified".
type CLIOverrides struct {
	ConfigPath  string // --config flag
	LibraryRoot string // --library flag
	Store       string // --store flag
}

// Resolved is the effective configuration after the override chain has been
// applied and every duration string parsed. Commands consume this type only.
type Resolved struct {
	LibraryRoot string
	Store       string
	APIBaseURL  string
	StateDir    string
	DBPath      string

	RequestsPerMinute int
	MinInterval       time.Duration
	Concurrency       int
	BatchSize         int

	ImportTimeout     time.Duration
	VisibilityTimeout time.Duration
	RetryCooldown     time.Duration

	MissingWindow     time.Duration
	IncludeExtensions []string

	LogLevel  string
	LogFormat string

	KeyringService string
	KeyringUser    string
}
