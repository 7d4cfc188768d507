package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticKey is a KeySource returning a fixed key.
type staticKey string

func (k staticKey) Key() (string, error) { return string(k), nil }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, srv.Client(), staticKey("test-key"), nil)
	c.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return c
}

func TestUploadRawTrimsLeadingWhitespace(t *testing.T) {
	var gotDisplayName string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/media:upload", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		require.NoError(t, r.ParseMultipartForm(1<<20))

		var meta struct {
			DisplayName string `json:"displayName"`
		}
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("metadata")), &meta))
		gotDisplayName = meta.DisplayName

		json.NewEncoder(w).Encode(RawArtifact{ID: "raw-123", State: RawStateActive})
	})

	artifact, err := c.UploadRaw(context.Background(), []byte("hello"), "  report.txt  ")
	require.NoError(t, err)

	assert.Equal(t, "raw-123", artifact.ID)
	assert.Equal(t, RawStateActive, artifact.State)
	// Leading whitespace trimmed, trailing preserved.
	assert.Equal(t, "report.txt  ", gotDisplayName)
}

func TestImportIntoStore(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stores/corpus/documents:import", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "raw-123", req["rawId"])

		json.NewEncoder(w).Encode(Operation{Name: "operations/op-1", Done: false})
	})

	op, err := c.ImportIntoStore(context.Background(), "raw-123", "stores/corpus")
	require.NoError(t, err)
	assert.Equal(t, "operations/op-1", op.Name)
	assert.False(t, op.Done)
}

func TestAwaitOperationPollsUntilDone(t *testing.T) {
	var polls int

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/operations/op-1", r.URL.Path)

		polls++
		if polls < 3 {
			json.NewEncoder(w).Encode(Operation{Name: "operations/op-1", Done: false})
			return
		}

		json.NewEncoder(w).Encode(Operation{
			Name: "operations/op-1", Done: true, DocumentID: "raw123abc456-doc",
		})
	})

	docID, err := c.AwaitOperation(context.Background(),
		&Operation{Name: "operations/op-1"}, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "raw123abc456-doc", docID)
	assert.Equal(t, 3, polls)
}

func TestAwaitOperationAlreadyDone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for a done operation")
	})

	docID, err := c.AwaitOperation(context.Background(),
		&Operation{Name: "operations/op-1", Done: true, DocumentID: "d-1"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "d-1", docID)
}

func TestAwaitOperationFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(Operation{
			Name: "operations/op-1", Done: true, ErrMessage: "ingest error",
		})
	})

	_, err := c.AwaitOperation(context.Background(),
		&Operation{Name: "operations/op-1"}, time.Minute)
	assert.ErrorIs(t, err, ErrOperationFailed)
}

func TestAwaitOperationTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(Operation{Name: "operations/op-1", Done: false})
	})

	_, err := c.AwaitOperation(context.Background(),
		&Operation{Name: "operations/op-1"}, -time.Second)
	assert.ErrorIs(t, err, ErrOperationTimeout)
}

func TestGetDocumentNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such document", http.StatusNotFound)
	})

	_, err := c.GetDocument(context.Background(), "stores/corpus", "doc-1")
	assert.ErrorIs(t, err, ErrNotFound)

	apiErr := &APIError{}
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestDeleteDocumentNotFoundIsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "force=true", r.URL.RawQuery)
		http.Error(w, "gone already", http.StatusNotFound)
	})

	err := c.DeleteDocument(context.Background(), "stores/corpus", "doc-1", true)
	assert.NoError(t, err)
}

func TestDeleteRawNotFoundIsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone already", http.StatusNotFound)
	})

	assert.NoError(t, c.DeleteRaw(context.Background(), "raw-1"))
}

func TestThrottledClassification(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := c.GetDocument(context.Background(), "stores/corpus", "doc-1")
	assert.ErrorIs(t, err, ErrThrottled)
	assert.True(t, Transient(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "oops", http.StatusServiceUnavailable)
	})

	_, err := c.GetDocument(context.Background(), "stores/corpus", "doc-1")
	assert.ErrorIs(t, err, ErrServerError)
	assert.True(t, Transient(err))
}

func TestBadRequestIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	})

	_, err := c.GetDocument(context.Background(), "stores/corpus", "doc-1")
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.False(t, Transient(err))
}

func TestListStoreDocumentsFollowsPages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"documents":     []DocumentRef{{ID: "d-1"}},
				"nextPageToken": "page2",
			})

			return
		}

		json.NewEncoder(w).Encode(map[string]any{
			"documents": []DocumentRef{{ID: "d-2"}},
		})
	})

	docs, err := c.ListStoreDocuments(context.Background(), "stores/corpus")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "d-1", docs[0].ID)
	assert.Equal(t, "d-2", docs[1].ID)
}

func TestResolveStore(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stores", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"stores": []StoreInfo{
				{Name: "stores/abc", DisplayName: "corpus-main"},
				{Name: "stores/def", DisplayName: "scratch"},
			},
		})
	})

	name, err := c.ResolveStore(context.Background(), "corpus-main")
	require.NoError(t, err)
	assert.Equal(t, "stores/abc", name)

	_, err = c.ResolveStore(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveStorePassesThroughResourceNames(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Fatal("no request expected for resource names")
	})

	name, err := c.ResolveStore(context.Background(), "stores/xyz")
	require.NoError(t, err)
	assert.Equal(t, "stores/xyz", name)
}
