package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Validation range constants.
const (
	minRequestsPerMinute = 1
	maxRequestsPerMinute = 6000
	minConcurrency       = 1
	maxConcurrency       = 64
	minBatchSize         = 1
	maxBatchSize         = 10000
	minImportTimeout     = 5 * time.Second
	minVisibilityTimeout = 5 * time.Second
	minMissingWindow     = time.Hour
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateConnection(cfg)...)
	errs = append(errs, validateLimits(&cfg.Limits)...)
	errs = append(errs, validateTimeouts(&cfg.Timeouts)...)
	errs = append(errs, validateReconcile(&cfg.Reconcile)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateCredentials(&cfg.Credentials)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the
// override chain has been applied: the connection settings may arrive via
// environment or flags, so their presence is checked here rather than in
// Validate.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.LibraryRoot == "" {
		errs = append(errs, errors.New("library_root: required (config file, SEMINDEX_LIBRARY_ROOT, or --library)"))
	}

	if cfg.Store == "" {
		errs = append(errs, errors.New("store: required (config file, SEMINDEX_STORE, or --store)"))
	}

	if cfg.APIBaseURL == "" {
		errs = append(errs, errors.New("api_base_url: required (config file or SEMINDEX_API_BASE_URL)"))
	}

	expanded := ExpandTilde(cfg.LibraryRoot)
	if expanded != "" && !filepath.IsAbs(expanded) {
		errs = append(errs, fmt.Errorf("library_root: must be absolute after expansion, got %q", cfg.LibraryRoot))
	}

	return errors.Join(errs...)
}

func validateConnection(cfg *Config) []error {
	var errs []error

	if cfg.APIBaseURL != "" {
		u, err := url.Parse(cfg.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("api_base_url: not a valid URL: %q", cfg.APIBaseURL))
		}
	}

	return errs
}

func validateLimits(l *LimitsConfig) []error {
	var errs []error

	if l.RequestsPerMinute < minRequestsPerMinute || l.RequestsPerMinute > maxRequestsPerMinute {
		errs = append(errs, fmt.Errorf("requests_per_minute: must be between %d and %d, got %d",
			minRequestsPerMinute, maxRequestsPerMinute, l.RequestsPerMinute))
	}

	if l.Concurrency < minConcurrency || l.Concurrency > maxConcurrency {
		errs = append(errs, fmt.Errorf("concurrency: must be between %d and %d, got %d",
			minConcurrency, maxConcurrency, l.Concurrency))
	}

	if l.BatchSize < minBatchSize || l.BatchSize > maxBatchSize {
		errs = append(errs, fmt.Errorf("batch_size: must be between %d and %d, got %d",
			minBatchSize, maxBatchSize, l.BatchSize))
	}

	errs = append(errs, validateDurationNonNeg("min_interval", l.MinInterval)...)

	return errs
}

func validateTimeouts(t *TimeoutsConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("import_timeout", t.ImportTimeout, minImportTimeout)...)
	errs = append(errs, validateDurationMin("visibility_timeout", t.VisibilityTimeout, minVisibilityTimeout)...)
	errs = append(errs, validateDurationNonNeg("retry_cooldown", t.RetryCooldown)...)

	return errs
}

func validateReconcile(r *ReconcileConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("missing_window", r.MissingWindow, minMissingWindow)...)

	for _, ext := range r.IncludeExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("include_extensions: %q must start with a dot", ext))
		}
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateCredentials(c *CredentialsConfig) []error {
	var errs []error

	if c.KeyringService == "" {
		errs = append(errs, errors.New("keyring_service: must not be empty"))
	}

	if c.KeyringUser == "" {
		errs = append(errs, errors.New("keyring_user: must not be empty"))
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}
