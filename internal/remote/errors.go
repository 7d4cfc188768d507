// Package remote provides the HTTPS client for the managed semantic-search
// backend: raw media upload, import into a document store, operation polling,
// document listing and deletion, and store name resolution.
//
// The client is deliberately retry-naive. It classifies failures so the
// layers above (rate guard, orchestrator) can decide whether to retry, trip
// the breaker, or surface the error.
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("remote: bad request")
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrForbidden    = errors.New("remote: forbidden")
	ErrNotFound     = errors.New("remote: not found")
	ErrConflict     = errors.New("remote: conflict")
	ErrThrottled    = errors.New("remote: throttled")
	ErrServerError  = errors.New("remote: server error")

	// ErrOperationTimeout is returned by AwaitOperation when the remote
	// operation does not complete within the deadline.
	ErrOperationTimeout = errors.New("remote: operation timed out")

	// ErrOperationFailed is returned when the remote operation completes
	// with an error status.
	ErrOperationFailed = errors.New("remote: operation failed")
)

// APIError wraps a sentinel error with HTTP status code, request ID, and the
// backend error message body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// Transient reports whether the error is a transient remote failure (429,
// 5xx, timeouts). Records failed by a transient error stay eligible for the
// post-batch retry pass; permanent failures require operator inspection.
func Transient(err error) bool {
	return errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrOperationTimeout)
}
