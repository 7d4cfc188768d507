package reconcile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semindex/semindex/internal/catalog"
	"github.com/semindex/semindex/internal/fsm"
	"github.com/semindex/semindex/internal/rateguard"
	"github.com/semindex/semindex/internal/remote"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBreaker struct {
	state rateguard.BreakerState
}

func (b *fakeBreaker) State() rateguard.BreakerState { return b.state }

type fakeRemote struct {
	mu          sync.Mutex
	docs        map[string]remote.DocumentRef
	deletedDocs []string
	deletedRaws []string
	listCalls   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{docs: make(map[string]remote.DocumentRef)}
}

func (f *fakeRemote) ListStoreDocuments(context.Context, string) ([]remote.DocumentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++

	docs := make([]remote.DocumentRef, 0, len(f.docs))
	for _, doc := range f.docs {
		docs = append(docs, doc)
	}

	return docs, nil
}

func (f *fakeRemote) DeleteDocument(_ context.Context, _, docID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.docs, docID)
	f.deletedDocs = append(f.deletedDocs, docID)

	return nil
}

func (f *fakeRemote) DeleteRaw(_ context.Context, rawID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletedRaws = append(f.deletedRaws, rawID)

	return nil
}

type testEnv struct {
	rec     *Reconciler
	store   *catalog.SQLite
	remote  *fakeRemote
	breaker *fakeBreaker
	root    string
	clock   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := catalog.Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:   store,
		remote:  newFakeRemote(),
		breaker: &fakeBreaker{},
		root:    t.TempDir(),
		clock:   time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	env.rec = New(Config{
		LibraryRoot: env.root,
		Store:       "stores/corpus",
	}, store, env.remote, env.breaker, testLogger())
	env.rec.now = func() time.Time { return env.clock }

	return env
}

func (e *testEnv) writeFile(t *testing.T, rel, content string) string {
	t.Helper()

	abs := filepath.Join(e.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))

	return abs
}

func TestCheckMountMissingRoot(t *testing.T) {
	env := newTestEnv(t)
	env.rec.cfg.LibraryRoot = filepath.Join(env.root, "not-mounted")

	err := env.rec.CheckMount()
	assert.ErrorIs(t, err, ErrMountUnavailable)

	// Run aborts pre-flight: no catalog writes happened.
	_, err = env.rec.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrMountUnavailable)

	recs, err := env.store.ListRecords(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCheckMountRootIsFile(t *testing.T) {
	env := newTestEnv(t)
	env.rec.cfg.LibraryRoot = env.writeFile(t, "plain.txt", "not a dir")

	assert.ErrorIs(t, env.rec.CheckMount(), ErrMountUnavailable)
}

func TestStoreBindingRecordedOnFirstRun(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.rec.CheckStoreBinding(context.Background(), false))

	bound, err := env.store.GetLibraryConfig(context.Background(), catalog.ConfigStoreBinding)
	require.NoError(t, err)
	assert.Equal(t, "stores/corpus", bound)
}

func TestStoreBindingMismatchRefused(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.SetLibraryConfig(
		context.Background(), catalog.ConfigStoreBinding, "stores/other"))

	err := env.rec.CheckStoreBinding(context.Background(), false)
	assert.ErrorIs(t, err, ErrStoreBindingMismatch)

	// Pre-flight refusal happens before any remote call.
	assert.Zero(t, env.remote.listCalls)

	// Explicit override rebinds.
	require.NoError(t, env.rec.CheckStoreBinding(context.Background(), true))

	bound, err := env.store.GetLibraryConfig(context.Background(), catalog.ConfigStoreBinding)
	require.NoError(t, err)
	assert.Equal(t, "stores/corpus", bound)
}

func TestClassifyNewFiles(t *testing.T) {
	env := newTestEnv(t)

	env.writeFile(t, "a.txt", "alpha")
	env.writeFile(t, "sub/b.txt", "bravo")

	cs, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.txt", "sub/b.txt"}, cs.New)

	rec, err := env.store.GetRecord(context.Background(), "sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateUntracked, rec.State)
	assert.NotEmpty(t, rec.ContentHash)
	assert.Equal(t, rec.ContentHash, rec.DesiredHash)
	assert.Equal(t, int64(5), rec.Size)
}

func TestClassifyMtimeFastPath(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "a.txt", "alpha")

	_, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)

	// Second walk: identical stat, no hashing needed.
	cs, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)

	assert.Empty(t, cs.New)
	assert.Empty(t, cs.Modified)
	assert.Equal(t, 1, cs.MtimeSkipped)
}

func TestClassifyTouchedButIdentical(t *testing.T) {
	env := newTestEnv(t)
	abs := env.writeFile(t, "a.txt", "alpha")

	_, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)

	// New mtime, same bytes: the hash check resolves it as unchanged.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(abs, future, future))

	cs, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)

	assert.Empty(t, cs.Modified)
	assert.Equal(t, 1, cs.Unchanged)

	// The stat fields were refreshed, so the next walk takes the fast path.
	cs, err = env.rec.Classify(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, cs.MtimeSkipped)
}

func TestClassifyModified(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "a.txt", "alpha")

	_, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)

	before, err := env.store.GetRecord(context.Background(), "a.txt")
	require.NoError(t, err)

	abs := env.writeFile(t, "a.txt", "alpha rewritten")
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(abs, future, future))

	cs, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt"}, cs.Modified)

	after, err := env.store.GetRecord(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.NotEqual(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, after.ContentHash, after.DesiredHash)
	assert.Equal(t, int64(len("alpha rewritten")), after.Size)
}

func TestMissingMarkedNotDeleted(t *testing.T) {
	env := newTestEnv(t)
	abs := env.writeFile(t, "a.txt", "alpha")

	_, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, os.Remove(abs))

	cs, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt"}, cs.Missing)

	rec, err := env.store.GetRecord(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.True(t, rec.Missing)
	require.NotNil(t, rec.MissingSince)

	// The remote is never touched by a disk deletion.
	assert.Empty(t, env.remote.deletedDocs)
	assert.Empty(t, env.remote.deletedRaws)

	// A later walk does not re-stamp the first-observed timestamp.
	first := *rec.MissingSince

	cs, err = env.rec.Classify(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, cs.Missing)

	rec, err = env.store.GetRecord(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, first, *rec.MissingSince)
}

func TestMissingFileReappears(t *testing.T) {
	env := newTestEnv(t)
	abs := env.writeFile(t, "a.txt", "alpha")

	_, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, os.Remove(abs))

	_, err = env.rec.Classify(context.Background(), false)
	require.NoError(t, err)

	env.writeFile(t, "a.txt", "alpha")

	cs, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, cs.Reappeared)

	rec, err := env.store.GetRecord(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.False(t, rec.Missing)
	assert.Nil(t, rec.MissingSince)
}

func TestDryRunWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "a.txt", "alpha")

	cs, err := env.rec.Classify(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, cs.New)

	_, err = env.store.GetRecord(context.Background(), "a.txt")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

// indexRecord seeds an indexed record with remote ids, bypassing the
// uploader.
func indexRecord(t *testing.T, store catalog.Store, path, rawID, docID string) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, store.InsertUntracked(ctx, &catalog.FileRecord{
		Path:        path,
		ContentHash: "hash-" + path,
		DesiredHash: "hash-" + path,
		Size:        1,
		Mtime:       1700000000,
	}))

	m := fsm.New(store, testLogger())

	steps := []struct {
		ev fsm.Event
		up catalog.Updates
	}{
		{fsm.EventBeginUpload, catalog.Updates{}},
		{fsm.EventRawAccepted, catalog.Updates{
			RemoteRawID: catalog.StrPtr(rawID),
			UploadHash:  catalog.StrPtr("hash-" + path),
		}},
		{fsm.EventVisible, catalog.Updates{RemoteDocID: catalog.StrPtr(docID)}},
	}

	for _, step := range steps {
		_, snap, intent, err := m.Begin(ctx, path, step.ev)
		require.NoError(t, err)

		up := step.up
		up.IntentID = intent.ID
		up.IntentOutcome = catalog.IntentCommitted

		require.NoError(t, m.Commit(ctx, snap, step.ev, up))
	}
}

func TestDrainOrphans(t *testing.T) {
	env := newTestEnv(t)

	// A replacement crashed after committing the new ids: the record holds
	// the new document plus an orphan obligation for the old raw.
	indexRecord(t, env.store, "b.txt", "rawnew001", "rawnew001-doc")

	m := fsm.New(env.store, testLogger())
	require.NoError(t, m.Housekeep(context.Background(), "b.txt", catalog.Updates{
		OrphanRawID: catalog.StrPtr("rawold001"),
	}))

	env.remote.docs["rawnew001-doc"] = remote.DocumentRef{ID: "rawnew001-doc"}
	env.remote.docs["rawold001-doc"] = remote.DocumentRef{ID: "rawold001-doc"}

	cleared, err := env.rec.DrainOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	// Old document and raw gone, new document untouched, obligation cleared.
	assert.Equal(t, []string{"rawold001-doc"}, env.remote.deletedDocs)
	assert.Equal(t, []string{"rawold001"}, env.remote.deletedRaws)
	assert.Contains(t, env.remote.docs, "rawnew001-doc")

	rec, err := env.store.GetRecord(context.Background(), "b.txt")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateIndexed, rec.State)
	assert.Empty(t, rec.OrphanRawID)
	assert.Equal(t, "rawnew001-doc", rec.RemoteDocID)
}

func TestDrainOrphansRespectsOpenBreaker(t *testing.T) {
	env := newTestEnv(t)

	indexRecord(t, env.store, "b.txt", "rawnew001", "rawnew001-doc")

	m := fsm.New(env.store, testLogger())
	require.NoError(t, m.Housekeep(context.Background(), "b.txt", catalog.Updates{
		OrphanRawID: catalog.StrPtr("rawold001"),
	}))

	env.breaker.state = rateguard.BreakerOpen

	cleared, err := env.rec.DrainOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cleared)
	assert.Zero(t, env.remote.listCalls)

	rec, err := env.store.GetRecord(context.Background(), "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "rawold001", rec.OrphanRawID)
}

func TestPruneMissingBeyondWindow(t *testing.T) {
	env := newTestEnv(t)

	indexRecord(t, env.store, "old.txt", "rawold123", "rawold123-doc")
	indexRecord(t, env.store, "recent.txt", "rawnew456", "rawnew456-doc")

	eightDaysAgo := env.clock.Add(-8 * 24 * time.Hour).UnixNano()
	oneDayAgo := env.clock.Add(-24 * time.Hour).UnixNano()

	require.NoError(t, env.store.MarkMissing(context.Background(), []string{"old.txt"}, eightDaysAgo))
	require.NoError(t, env.store.MarkMissing(context.Background(), []string{"recent.txt"}, oneDayAgo))

	pruned, err := env.rec.PruneMissing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	assert.Equal(t, []string{"rawold123-doc"}, env.remote.deletedDocs)
	assert.Equal(t, []string{"rawold123"}, env.remote.deletedRaws)

	_, err = env.store.GetRecord(context.Background(), "old.txt")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	// Inside the window: untouched.
	rec, err := env.store.GetRecord(context.Background(), "recent.txt")
	require.NoError(t, err)
	assert.True(t, rec.Missing)
}

func TestRequeueExpired(t *testing.T) {
	env := newTestEnv(t)

	indexRecord(t, env.store, "a.txt", "rawexp789", "rawexp789-doc")

	m := fsm.New(env.store, testLogger())
	expired := env.clock.Add(-time.Hour).UnixNano()
	require.NoError(t, m.Housekeep(context.Background(), "a.txt", catalog.Updates{
		RemoteExpiration: catalog.Int64Ptr(expired),
	}))

	requeued, err := env.rec.RequeueExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	rec, err := env.store.GetRecord(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateIndexed, rec.State)
	assert.True(t, rec.UploadNeeded())
	assert.Nil(t, rec.RemoteExpiration)

	// Idempotent: an immediate second pass finds nothing.
	requeued, err = env.rec.RequeueExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, requeued)
}

func TestEligibleFilterExcludes(t *testing.T) {
	env := newTestEnv(t)

	env.writeFile(t, "a.txt", "alpha")
	env.writeFile(t, "skip.bin", "binary")

	env.rec.cfg.Eligible = func(rel string) bool {
		return filepath.Ext(rel) == ".txt"
	}

	cs, err := env.rec.Classify(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, cs.New)
}

func TestRunFullCycle(t *testing.T) {
	env := newTestEnv(t)

	env.writeFile(t, "a.txt", "alpha")

	res, err := env.rec.Run(context.Background(), Options{})
	require.NoError(t, err)

	require.NotNil(t, res.Changes)
	assert.Equal(t, []string{"a.txt"}, res.Changes.New)

	bound, err := env.store.GetLibraryConfig(context.Background(), catalog.ConfigStoreBinding)
	require.NoError(t, err)
	assert.Equal(t, "stores/corpus", bound)
}
