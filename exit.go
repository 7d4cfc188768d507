package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/semindex/semindex/internal/credential"
	"github.com/semindex/semindex/internal/reconcile"
	"github.com/semindex/semindex/internal/remote"
)

// Exit codes. Scripts branch on these, so each operator-distinguishable
// failure class gets its own code.
const (
	exitOK         = 0
	exitGeneric    = 1 // unexpected errors and batches with failed records
	exitUsage      = 2
	exitMount      = 3 // library root not accessible
	exitBinding    = 4 // catalog bound to a different store
	exitCredential = 5 // API key missing or unreadable
	exitThrottled  = 6 // batch made no progress because the backend pushed back
	exitStorage    = 7 // catalog database failure
)

// errUsage marks invocation errors (bad arguments, conflicting flags).
var errUsage = errors.New("usage error")

// errBatchFailed marks a completed run that left records in the failed
// state. The per-record reasons have already been printed.
var errBatchFailed = errors.New("some records failed")

// errAllThrottled marks a run where every attempted record was skipped by
// the circuit breaker: nothing failed, but nothing progressed either.
var errAllThrottled = errors.New("batch skipped: backend throttling")

// errStorage wraps catalog open/IO failures so they map to their own code.
var errStorage = errors.New("catalog storage error")

// exitCodeFor maps an error to its exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, reconcile.ErrMountUnavailable):
		return exitMount
	case errors.Is(err, reconcile.ErrStoreBindingMismatch):
		return exitBinding
	case errors.Is(err, credential.ErrNotFound), errors.Is(err, remote.ErrUnauthorized):
		return exitCredential
	case errors.Is(err, errAllThrottled), errors.Is(err, remote.ErrThrottled):
		return exitThrottled
	case errors.Is(err, errStorage):
		return exitStorage
	default:
		return exitGeneric
	}
}

// exitOnError prints a user-friendly error message to stderr and returns
// the process exit code for main to pass to os.Exit.
func exitOnError(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	return exitCodeFor(err)
}
