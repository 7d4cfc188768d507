package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semindex/semindex/internal/catalog"
	"github.com/semindex/semindex/internal/reconcile"
)

// fakeResolver counts lookups so tests can assert which binding paths stay
// entirely local.
type fakeResolver struct {
	calls int
	res   string
}

func (f *fakeResolver) ResolveStore(context.Context, string) (string, error) {
	f.calls++
	return f.res, nil
}

func bindingStore(t *testing.T) *catalog.SQLite {
	t.Helper()

	store, err := catalog.Open(":memory:", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestResolveBindingFirstBind(t *testing.T) {
	store := bindingStore(t)
	resolver := &fakeResolver{res: "stores/abc123"}

	res, err := resolveBinding(context.Background(), store, resolver, "corpus", false, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "stores/abc123", res)
	assert.Equal(t, 1, resolver.calls)

	bound, err := store.GetLibraryConfig(context.Background(), catalog.ConfigStoreBinding)
	require.NoError(t, err)
	assert.Equal(t, "stores/abc123", bound)

	name, err := store.GetLibraryConfig(context.Background(), catalog.ConfigStoreBindingName)
	require.NoError(t, err)
	assert.Equal(t, "corpus", name)
}

func TestResolveBindingMatchStaysLocal(t *testing.T) {
	store := bindingStore(t)
	resolver := &fakeResolver{res: "stores/abc123"}

	_, err := resolveBinding(context.Background(), store, resolver, "corpus", false, discardLogger())
	require.NoError(t, err)

	// Matching by configured name or by resource resolves from the catalog
	// alone.
	for _, configured := range []string{"corpus", "stores/abc123"} {
		res, err := resolveBinding(context.Background(), store, resolver, configured, false, discardLogger())
		require.NoError(t, err)
		assert.Equal(t, "stores/abc123", res)
	}

	assert.Equal(t, 1, resolver.calls)
}

func TestResolveBindingMismatchRefusedBeforeRemote(t *testing.T) {
	store := bindingStore(t)
	resolver := &fakeResolver{res: "stores/abc123"}

	_, err := resolveBinding(context.Background(), store, resolver, "corpus", false, discardLogger())
	require.NoError(t, err)

	_, err = resolveBinding(context.Background(), store, resolver, "other", false, discardLogger())
	assert.ErrorIs(t, err, reconcile.ErrStoreBindingMismatch)

	// The refusal never went out to the backend.
	assert.Equal(t, 1, resolver.calls)
}

func TestResolveBindingForceRebinds(t *testing.T) {
	store := bindingStore(t)
	resolver := &fakeResolver{res: "stores/abc123"}

	_, err := resolveBinding(context.Background(), store, resolver, "corpus", false, discardLogger())
	require.NoError(t, err)

	resolver.res = "stores/def456"

	res, err := resolveBinding(context.Background(), store, resolver, "other", true, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "stores/def456", res)
	assert.Equal(t, 2, resolver.calls)

	name, err := store.GetLibraryConfig(context.Background(), catalog.ConfigStoreBindingName)
	require.NoError(t, err)
	assert.Equal(t, "other", name)
}

func TestBatchLimit(t *testing.T) {
	assert.Equal(t, 100, batchLimit(100, 0))
	assert.Equal(t, 5, batchLimit(100, 5))
	assert.Equal(t, 100, batchLimit(100, 500))
}
