package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// users visibility into the effective values after all override layers
// (defaults -> file -> env -> CLI) have been applied.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")
	ew.printf("library_root = %q\n", r.LibraryRoot)
	ew.printf("store        = %q\n", r.Store)
	ew.printf("api_base_url = %q\n", r.APIBaseURL)
	ew.printf("state_dir    = %q\n", r.StateDir)
	ew.printf("\n[limits]\n")
	ew.printf("  requests_per_minute = %d\n", r.RequestsPerMinute)
	ew.printf("  min_interval        = \"%s\"\n", r.MinInterval)
	ew.printf("  concurrency         = %d\n", r.Concurrency)
	ew.printf("  batch_size          = %d\n", r.BatchSize)
	ew.printf("\n[timeouts]\n")
	ew.printf("  import_timeout     = \"%s\"\n", r.ImportTimeout)
	ew.printf("  visibility_timeout = \"%s\"\n", r.VisibilityTimeout)
	ew.printf("  retry_cooldown     = \"%s\"\n", r.RetryCooldown)
	ew.printf("\n[reconcile]\n")
	ew.printf("  missing_window     = \"%s\"\n", r.MissingWindow)

	if len(r.IncludeExtensions) > 0 {
		ew.printf("  include_extensions = [%s]\n", joinQuoted(r.IncludeExtensions))
	}

	ew.printf("\n[logging]\n")
	ew.printf("  log_level  = %q\n", r.LogLevel)
	ew.printf("  log_format = %q\n", r.LogFormat)
	ew.printf("\n[credentials]\n")
	ew.printf("  keyring_service = %q\n", r.KeyringService)
	ew.printf("  keyring_user    = %q\n", r.KeyringUser)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain printf
// calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
