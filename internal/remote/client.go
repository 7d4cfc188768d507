package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Polling backoff ladder for AwaitOperation and visibility checks.
const (
	pollInitialDelay = 500 * time.Millisecond
	pollBackoff      = 1.5
	pollMaxDelay     = 10 * time.Second
)

// KeySource provides the API key for request authentication. Defined at the
// consumer per Go convention "accept interfaces, return structs"; the
// credential package provides the real implementation.
type KeySource interface {
	Key() (string, error)
}

// Client is an HTTP client for the managed semantic-search backend. It
// handles request construction, authentication, and error classification.
// It performs no retries of its own — transient-failure policy lives in the
// orchestrator and the rate guard.
type Client struct {
	baseURL    string
	httpClient *http.Client
	key        KeySource
	logger     *slog.Logger

	// sleepFunc is called between operation polls. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a backend client. baseURL is the API root, for example
// "https://semanticstore.example.com/v1".
func NewClient(baseURL string, httpClient *http.Client, key KeySource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		key:        key,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// UploadRaw uploads file bytes as a raw media artifact. The display name is
// echoed verbatim by the backend; leading whitespace is trimmed because the
// backend hangs on names that start with whitespace (trailing whitespace is
// safe and preserved).
func (c *Client) UploadRaw(ctx context.Context, data []byte, displayName string) (*RawArtifact, error) {
	displayName = strings.TrimLeft(displayName, " \t")

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	meta, err := mw.CreateFormField("metadata")
	if err != nil {
		return nil, fmt.Errorf("remote: create metadata part: %w", err)
	}

	if err := json.NewEncoder(meta).Encode(map[string]string{"displayName": displayName}); err != nil {
		return nil, fmt.Errorf("remote: encode metadata: %w", err)
	}

	file, err := mw.CreateFormFile("file", displayName)
	if err != nil {
		return nil, fmt.Errorf("remote: create file part: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		return nil, fmt.Errorf("remote: write file part: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("remote: close multipart writer: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/media:upload", &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}

	var artifact RawArtifact
	if err := json.Unmarshal(body, &artifact); err != nil {
		return nil, fmt.Errorf("remote: decode upload response: %w", err)
	}

	c.logger.Debug("raw artifact uploaded",
		"raw_id", artifact.ID,
		"display_name", displayName,
		"state", string(artifact.State),
	)

	return &artifact, nil
}

// GetRaw fetches the current state of a raw artifact. Used to confirm the
// artifact reached ACTIVE before import.
func (c *Client) GetRaw(ctx context.Context, rawID string) (*RawArtifact, error) {
	body, err := c.do(ctx, http.MethodGet, "/media/"+url.PathEscape(rawID), nil, "")
	if err != nil {
		return nil, err
	}

	var artifact RawArtifact
	if err := json.Unmarshal(body, &artifact); err != nil {
		return nil, fmt.Errorf("remote: decode raw artifact: %w", err)
	}

	return &artifact, nil
}

// ImportIntoStore starts importing a raw artifact into the named store and
// returns the long-running operation handle.
func (c *Client) ImportIntoStore(ctx context.Context, rawID, store string) (*Operation, error) {
	payload, err := json.Marshal(map[string]string{"rawId": rawID})
	if err != nil {
		return nil, fmt.Errorf("remote: encode import request: %w", err)
	}

	path := "/" + store + "/documents:import"

	body, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}

	var op Operation
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("remote: decode import response: %w", err)
	}

	c.logger.Debug("import started", "raw_id", rawID, "store", store, "operation", op.Name)

	return &op, nil
}

// GetOperation fetches the current state of a long-running operation.
func (c *Client) GetOperation(ctx context.Context, name string) (*Operation, error) {
	body, err := c.do(ctx, http.MethodGet, "/"+name, nil, "")
	if err != nil {
		return nil, err
	}

	var op Operation
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("remote: decode operation: %w", err)
	}

	return &op, nil
}

// AwaitOperation polls an operation until it completes, returning the store
// document ID. Polling uses an exponential ladder (0.5 s, ×1.5, capped at
// 10 s). Returns ErrOperationTimeout when the deadline passes and
// ErrOperationFailed when the operation reports an error.
func (c *Client) AwaitOperation(ctx context.Context, op *Operation, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	delay := pollInitialDelay
	current := op

	for {
		if current.Done {
			if current.ErrMessage != "" {
				return "", fmt.Errorf("remote: operation %s: %s: %w",
					current.Name, current.ErrMessage, ErrOperationFailed)
			}

			return current.DocumentID, nil
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("remote: operation %s after %s: %w",
				current.Name, timeout, ErrOperationTimeout)
		}

		if err := c.sleepFunc(ctx, delay); err != nil {
			return "", fmt.Errorf("remote: await canceled: %w", err)
		}

		delay = time.Duration(float64(delay) * pollBackoff)
		if delay > pollMaxDelay {
			delay = pollMaxDelay
		}

		next, err := c.GetOperation(ctx, current.Name)
		if err != nil {
			return "", err
		}

		current = next
	}
}

// GetDocument fetches a single store document. Returns ErrNotFound (wrapped
// in APIError) when the document is not visible. This is the O(1) visibility
// check; observed P99 latency is under 0.3 s and one call usually suffices
// after a completed import.
func (c *Client) GetDocument(ctx context.Context, store, docID string) (*DocumentRef, error) {
	path := "/" + store + "/documents/" + url.PathEscape(docID)

	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	var doc DocumentRef
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("remote: decode document: %w", err)
	}

	return &doc, nil
}

// ListStoreDocuments returns all documents in the store, following page
// tokens to exhaustion.
func (c *Client) ListStoreDocuments(ctx context.Context, store string) ([]DocumentRef, error) {
	var (
		docs      []DocumentRef
		pageToken string
	)

	for {
		path := "/" + store + "/documents"
		if pageToken != "" {
			path += "?pageToken=" + url.QueryEscape(pageToken)
		}

		body, err := c.do(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return nil, err
		}

		var page struct {
			Documents     []DocumentRef `json:"documents"`
			NextPageToken string        `json:"nextPageToken"`
		}

		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("remote: decode document list: %w", err)
		}

		docs = append(docs, page.Documents...)

		if page.NextPageToken == "" {
			return docs, nil
		}

		pageToken = page.NextPageToken
	}
}

// DeleteDocument removes a store document. A 404 response is treated as
// success — the delete is idempotent.
func (c *Client) DeleteDocument(ctx context.Context, store, docID string, force bool) error {
	path := "/" + store + "/documents/" + url.PathEscape(docID)
	if force {
		path += "?force=true"
	}

	_, err := c.do(ctx, http.MethodDelete, path, nil, "")
	if isNotFound(err) {
		c.logger.Debug("document already gone", "store", store, "doc_id", docID)
		return nil
	}

	return err
}

// DeleteRaw removes a raw media artifact. A 404 response is treated as
// success — the delete is idempotent.
func (c *Client) DeleteRaw(ctx context.Context, rawID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/media/"+url.PathEscape(rawID), nil, "")
	if isNotFound(err) {
		c.logger.Debug("raw artifact already gone", "raw_id", rawID)
		return nil
	}

	return err
}

// ResolveStore canonicalizes a user-facing store name to its resource name.
// Inputs that already look like resource names ("stores/…") pass through
// unchanged; display names are looked up in the store list.
func (c *Client) ResolveStore(ctx context.Context, nameOrResource string) (string, error) {
	if strings.HasPrefix(nameOrResource, "stores/") {
		return nameOrResource, nil
	}

	body, err := c.do(ctx, http.MethodGet, "/stores", nil, "")
	if err != nil {
		return "", err
	}

	var page struct {
		Stores []StoreInfo `json:"stores"`
	}

	if err := json.Unmarshal(body, &page); err != nil {
		return "", fmt.Errorf("remote: decode store list: %w", err)
	}

	for _, st := range page.Stores {
		if st.DisplayName == nameOrResource {
			return st.Name, nil
		}
	}

	return "", fmt.Errorf("remote: store %q: %w", nameOrResource, ErrNotFound)
}

// isNotFound reports whether err classifies as a 404-equivalent.
func isNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}

// do executes a single HTTP request and returns the response body. Non-2xx
// responses are turned into an APIError carrying the classified sentinel.
func (c *Client) do(
	ctx context.Context, method, path string, body io.Reader, contentType string,
) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("remote: creating request: %w", err)
	}

	key, err := c.key.Key()
	if err != nil {
		return nil, fmt.Errorf("remote: obtaining api key: %w", err)
	}

	req.Header.Set("X-Api-Key", key)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if readErr != nil {
			return nil, fmt.Errorf("remote: reading response: %w", readErr)
		}

		c.logger.Debug("request succeeded",
			"method", method, "path", path, "status", resp.StatusCode)

		return respBody, nil
	}

	if readErr != nil {
		respBody = []byte("(failed to read response body)")
	}

	return nil, &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("request-id"),
		Message:    string(respBody),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
