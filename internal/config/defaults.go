package config

// Default values for configuration options. These are "layer 0" of the
// override chain and are chosen so a config file with only library_root,
// store, and api_base_url works out of the box.
const (
	defaultRequestsPerMinute = 60
	defaultMinInterval       = "200ms"
	defaultConcurrency       = 10
	defaultBatchSize         = 100
	defaultImportTimeout     = "2m"
	defaultVisibilityTimeout = "5m"
	defaultRetryCooldown     = "30s"
	defaultMissingWindow     = "168h" // 7 days
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultKeyringService    = "semindex"
	defaultKeyringUser       = "api-key"
)

// DefaultConfig returns a Config populated with all default values. It is
// used both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Limits: LimitsConfig{
			RequestsPerMinute: defaultRequestsPerMinute,
			MinInterval:       defaultMinInterval,
			Concurrency:       defaultConcurrency,
			BatchSize:         defaultBatchSize,
		},
		Timeouts: TimeoutsConfig{
			ImportTimeout:     defaultImportTimeout,
			VisibilityTimeout: defaultVisibilityTimeout,
			RetryCooldown:     defaultRetryCooldown,
		},
		Reconcile: ReconcileConfig{
			MissingWindow: defaultMissingWindow,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Credentials: CredentialsConfig{
			KeyringService: defaultKeyringService,
			KeyringUser:    defaultKeyringUser,
		},
	}
}
