package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions — silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values. This supports first runs where
// only flags and environment variables carry the connection settings.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
// It returns a fully typed Resolved value ready for use. CLI flags always
// win, matching user expectations for one-off overrides without editing the
// config file.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg, env)
	applyCLI(cfg, cli)

	return resolve(cfg)
}

func applyEnv(cfg *Config, env EnvOverrides) {
	if env.LibraryRoot != "" {
		cfg.LibraryRoot = env.LibraryRoot
	}

	if env.Store != "" {
		cfg.Store = env.Store
	}

	if env.APIBaseURL != "" {
		cfg.APIBaseURL = env.APIBaseURL
	}
}

func applyCLI(cfg *Config, cli CLIOverrides) {
	if cli.LibraryRoot != "" {
		cfg.LibraryRoot = cli.LibraryRoot
	}

	if cli.Store != "" {
		cfg.Store = cli.Store
	}
}

// resolve converts a merged Config into the typed Resolved form, expanding
// tildes and parsing every duration string. Validation has already run on
// the raw values, so parse failures here indicate a programming error in
// the defaults; they are still surfaced rather than panicking.
func resolve(cfg *Config) (*Resolved, error) {
	if err := ValidateResolved(cfg); err != nil {
		return nil, err
	}

	stateDir := ExpandTilde(cfg.StateDir)
	if stateDir == "" {
		stateDir = DefaultStateDir()
	}

	r := &Resolved{
		LibraryRoot:       ExpandTilde(cfg.LibraryRoot),
		Store:             cfg.Store,
		APIBaseURL:        cfg.APIBaseURL,
		StateDir:          stateDir,
		DBPath:            filepath.Join(stateDir, catalogFileName),
		RequestsPerMinute: cfg.Limits.RequestsPerMinute,
		Concurrency:       cfg.Limits.Concurrency,
		BatchSize:         cfg.Limits.BatchSize,
		IncludeExtensions: cfg.Reconcile.IncludeExtensions,
		LogLevel:          cfg.Logging.LogLevel,
		LogFormat:         cfg.Logging.LogFormat,
		KeyringService:    cfg.Credentials.KeyringService,
		KeyringUser:       cfg.Credentials.KeyringUser,
	}

	var errs []error

	for _, d := range []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"min_interval", cfg.Limits.MinInterval, &r.MinInterval},
		{"import_timeout", cfg.Timeouts.ImportTimeout, &r.ImportTimeout},
		{"visibility_timeout", cfg.Timeouts.VisibilityTimeout, &r.VisibilityTimeout},
		{"retry_cooldown", cfg.Timeouts.RetryCooldown, &r.RetryCooldown},
		{"missing_window", cfg.Reconcile.MissingWindow, &r.MissingWindow},
	} {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q: %w", d.field, d.value, err))

			continue
		}

		*d.dst = parsed
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return r, nil
}
