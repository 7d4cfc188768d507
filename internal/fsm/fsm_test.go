package fsm

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semindex/semindex/internal/catalog"
	"github.com/semindex/semindex/internal/remote"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T) (*Machine, catalog.Store) {
	t.Helper()

	store, err := catalog.Open(":memory:", testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	return New(store, testLogger()), store
}

func insertRecord(t *testing.T, store catalog.Store, path string) {
	t.Helper()

	err := store.InsertUntracked(context.Background(), &catalog.FileRecord{
		Path:        path,
		ContentHash: "abc123",
		Size:        42,
		Mtime:       1700000000.5,
		DesiredHash: "abc123",
	})
	require.NoError(t, err)
}

func TestNextCoversAllLegalEdges(t *testing.T) {
	tests := []struct {
		from catalog.State
		ev   Event
		to   catalog.State
	}{
		{catalog.StateUntracked, EventBeginUpload, catalog.StateUploading},
		{catalog.StateUploading, EventRawAccepted, catalog.StateProcessing},
		{catalog.StateUploading, EventError, catalog.StateFailed},
		{catalog.StateProcessing, EventVisible, catalog.StateIndexed},
		{catalog.StateProcessing, EventError, catalog.StateFailed},
		{catalog.StateFailed, EventRetry, catalog.StateUntracked},
		{catalog.StateIndexed, EventReplace, catalog.StateUploading},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"/"+string(tc.ev), func(t *testing.T) {
			to, err := Next(tc.from, tc.ev)
			require.NoError(t, err)
			assert.Equal(t, tc.to, to)
		})
	}
}

func TestNextRejectsIllegalEdges(t *testing.T) {
	tests := []struct {
		from catalog.State
		ev   Event
	}{
		{catalog.StateUntracked, EventVisible},
		{catalog.StateUntracked, EventError},
		{catalog.StateUploading, EventBeginUpload},
		{catalog.StateProcessing, EventRawAccepted},
		{catalog.StateIndexed, EventBeginUpload},
		{catalog.StateIndexed, EventError},
		{catalog.StateFailed, EventBeginUpload},
		{catalog.StateFailed, EventError},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"/"+string(tc.ev), func(t *testing.T) {
			_, err := Next(tc.from, tc.ev)
			assert.ErrorIs(t, err, ErrIllegalTransition)
			assert.False(t, Legal(tc.from, tc.ev))
		})
	}
}

func TestBeginOpensIntent(t *testing.T) {
	m, store := newTestMachine(t)
	insertRecord(t, store, "docs/a.txt")

	rec, snap, intent, err := m.Begin(context.Background(), "docs/a.txt", EventBeginUpload)
	require.NoError(t, err)

	assert.Equal(t, catalog.StateUntracked, rec.State)
	assert.Equal(t, catalog.StateUntracked, snap.State)
	assert.Equal(t, int64(0), snap.Version)

	require.NotNil(t, intent)
	assert.Equal(t, catalog.StateUploading, intent.IntendedState)
	assert.True(t, intent.Open())
	assert.NotEmpty(t, intent.AttemptID)
}

func TestBeginRejectsIllegalEvent(t *testing.T) {
	m, store := newTestMachine(t)
	insertRecord(t, store, "docs/a.txt")

	_, _, _, err := m.Begin(context.Background(), "docs/a.txt", EventVisible)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// No intent row was written for the rejected event.
	open, err := store.LoadOpenIntents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestBeginUnknownPath(t *testing.T) {
	m, _ := newTestMachine(t)

	_, _, _, err := m.Begin(context.Background(), "docs/nope.txt", EventBeginUpload)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestCommitAppliesTargetState(t *testing.T) {
	m, store := newTestMachine(t)
	insertRecord(t, store, "docs/a.txt")

	_, snap, intent, err := m.Begin(context.Background(), "docs/a.txt", EventBeginUpload)
	require.NoError(t, err)

	err = m.Commit(context.Background(), snap, EventBeginUpload, catalog.Updates{
		IntentID:      intent.ID,
		IntentOutcome: catalog.IntentCommitted,
		AttemptDelta:  1,
	})
	require.NoError(t, err)

	rec, err := store.GetRecord(context.Background(), "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateUploading, rec.State)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestCommitStaleSnapshotConflicts(t *testing.T) {
	m, store := newTestMachine(t)
	insertRecord(t, store, "docs/a.txt")

	_, snap, intent, err := m.Begin(context.Background(), "docs/a.txt", EventBeginUpload)
	require.NoError(t, err)

	err = m.Commit(context.Background(), snap, EventBeginUpload, catalog.Updates{
		IntentID:      intent.ID,
		IntentOutcome: catalog.IntentCommitted,
	})
	require.NoError(t, err)

	// The snapshot is now stale; a second commit under it must conflict.
	err = m.Commit(context.Background(), snap, EventBeginUpload, catalog.Updates{})
	assert.ErrorIs(t, err, catalog.ErrConflict)
}

func TestFullLifecycle(t *testing.T) {
	m, store := newTestMachine(t)
	insertRecord(t, store, "docs/a.txt")

	ctx := context.Background()

	// untracked -> uploading
	_, snap, intent, err := m.Begin(ctx, "docs/a.txt", EventBeginUpload)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, snap, EventBeginUpload, catalog.Updates{
		IntentID: intent.ID, IntentOutcome: catalog.IntentCommitted,
	}))

	// uploading -> processing, raw id recorded
	_, snap, intent, err = m.Begin(ctx, "docs/a.txt", EventRawAccepted)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, snap, EventRawAccepted, catalog.Updates{
		RemoteRawID: catalog.StrPtr("raw-1"),
		UploadHash:  catalog.StrPtr("abc123"),
		IntentID:    intent.ID, IntentOutcome: catalog.IntentCommitted,
	}))

	// processing -> indexed, doc id recorded
	_, snap, intent, err = m.Begin(ctx, "docs/a.txt", EventVisible)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, snap, EventVisible, catalog.Updates{
		RemoteDocID: catalog.StrPtr("raw1abc-doc"),
		IntentID:    intent.ID, IntentOutcome: catalog.IntentCommitted,
	}))

	rec, err := store.GetRecord(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateIndexed, rec.State)
	assert.Equal(t, int64(3), rec.Version)
	assert.Equal(t, "raw-1", rec.RemoteRawID)
	assert.Equal(t, "raw1abc-doc", rec.RemoteDocID)

	open, err := store.LoadOpenIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestReplaceMovesRawIDToOrphan(t *testing.T) {
	m, store := newTestMachine(t)
	insertRecord(t, store, "docs/a.txt")

	ctx := context.Background()

	walkToIndexed(t, m, "docs/a.txt")

	rec, snap, intent, err := m.Begin(ctx, "docs/a.txt", EventReplace)
	require.NoError(t, err)

	up := ReplaceUpdates(rec)
	assert.Equal(t, "raw-1", *up.OrphanRawID)
	assert.Equal(t, "", *up.RemoteRawID)
	assert.Equal(t, "", *up.RemoteDocID)

	up.IntentID = intent.ID
	up.IntentOutcome = catalog.IntentCommitted
	require.NoError(t, m.Commit(ctx, snap, EventReplace, up))

	got, err := store.GetRecord(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateUploading, got.State)
	assert.Equal(t, "raw-1", got.OrphanRawID)
	assert.Empty(t, got.RemoteRawID)
	assert.Empty(t, got.RemoteDocID)
}

func TestRetryClearsRemoteRefsKeepsUploadHash(t *testing.T) {
	m, store := newTestMachine(t)
	insertRecord(t, store, "docs/a.txt")

	ctx := context.Background()

	// untracked -> uploading -> failed
	_, snap, intent, err := m.Begin(ctx, "docs/a.txt", EventBeginUpload)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, snap, EventBeginUpload, catalog.Updates{
		IntentID: intent.ID, IntentOutcome: catalog.IntentCommitted,
		AttemptDelta: 1,
	}))

	_, snap, intent, err = m.Begin(ctx, "docs/a.txt", EventError)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, snap, EventError, catalog.Updates{
		ErrorReason: catalog.StrPtr("upload failed: 500"),
		RemoteRawID: catalog.StrPtr("raw-dangling"),
		IntentID:    intent.ID, IntentOutcome: catalog.IntentRolledBack,
	}))

	// failed -> untracked via retry
	_, snap, intent, err = m.Begin(ctx, "docs/a.txt", EventRetry)
	require.NoError(t, err)

	up := RetryUpdates()
	up.IntentID = intent.ID
	up.IntentOutcome = catalog.IntentCommitted
	require.NoError(t, m.Commit(ctx, snap, EventRetry, up))

	rec, err := store.GetRecord(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateUntracked, rec.State)
	assert.Empty(t, rec.RemoteRawID)
	assert.Empty(t, rec.ErrorReason)
	// Attempt counters survive retry.
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestHousekeepKeepsStateBumpsVersion(t *testing.T) {
	m, store := newTestMachine(t)
	insertRecord(t, store, "docs/a.txt")

	ctx := context.Background()

	walkToIndexed(t, m, "docs/a.txt")

	before, err := store.GetRecord(ctx, "docs/a.txt")
	require.NoError(t, err)

	err = m.Housekeep(ctx, "docs/a.txt", catalog.Updates{
		OrphanRawID: catalog.StrPtr(""),
	})
	require.NoError(t, err)

	after, err := store.GetRecord(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Version+1, after.Version)

	open, err := store.LoadOpenIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestBeginUploadAllowedGate(t *testing.T) {
	rec := &catalog.FileRecord{UploadHash: "", DesiredHash: "abc"}
	assert.True(t, BeginUploadAllowed(rec))

	rec = &catalog.FileRecord{UploadHash: "abc", DesiredHash: "abc"}
	assert.False(t, BeginUploadAllowed(rec))

	rec = &catalog.FileRecord{UploadHash: "abc", DesiredHash: "def"}
	assert.True(t, BeginUploadAllowed(rec))
}

func TestRawAcceptedGate(t *testing.T) {
	assert.False(t, RawAccepted(nil))
	assert.False(t, RawAccepted(&remote.RawArtifact{State: remote.RawStateProcessing}))
	assert.False(t, RawAccepted(&remote.RawArtifact{State: remote.RawStateFailed}))
	assert.True(t, RawAccepted(&remote.RawArtifact{State: remote.RawStateActive}))
}

// walkToIndexed drives a fresh record through the happy path so tests can
// start from an indexed record with raw-1 / raw1abc-doc.
func walkToIndexed(t *testing.T, m *Machine, path string) {
	t.Helper()

	ctx := context.Background()

	_, snap, intent, err := m.Begin(ctx, path, EventBeginUpload)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, snap, EventBeginUpload, catalog.Updates{
		IntentID: intent.ID, IntentOutcome: catalog.IntentCommitted,
	}))

	_, snap, intent, err = m.Begin(ctx, path, EventRawAccepted)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, snap, EventRawAccepted, catalog.Updates{
		RemoteRawID: catalog.StrPtr("raw-1"),
		UploadHash:  catalog.StrPtr("abc123"),
		IntentID:    intent.ID, IntentOutcome: catalog.IntentCommitted,
	}))

	_, snap, intent, err = m.Begin(ctx, path, EventVisible)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, snap, EventVisible, catalog.Updates{
		RemoteDocID: catalog.StrPtr("raw1abc-doc"),
		IntentID:    intent.ID, IntentOutcome: catalog.IntentCommitted,
	}))
}
