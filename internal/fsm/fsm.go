// Package fsm defines the per-file lifecycle state machine: the legal edges
// between catalog states, the guards on each edge, and the commit helper
// that refuses any movement outside the table. Records are mutated
// exclusively through this package — never by ad-hoc writes.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/semindex/semindex/internal/catalog"
	"github.com/semindex/semindex/internal/remote"
)

// Event names a lifecycle edge.
type Event string

// Lifecycle events. Each is legal from exactly the states listed in edges.
const (
	// EventBeginUpload starts a fresh upload: intent written, raw upload
	// initiated. Guarded by the idempotency hash gate.
	EventBeginUpload Event = "begin-upload"

	// EventRawAccepted records the raw artifact id and initiates the
	// import. Guarded by the artifact being ACTIVE at the backend, not
	// merely enqueued.
	EventRawAccepted Event = "raw-accepted"

	// EventVisible records the store document id after the import
	// completed and the document was confirmed visible.
	EventVisible Event = "visible"

	// EventError moves an in-flight record to failed with a reason.
	EventError Event = "error"

	// EventRetry resets a failed record for another attempt. Counters are
	// preserved; remote ids are cleared.
	EventRetry Event = "retry"

	// EventReplace starts upload-first replacement of an indexed record:
	// the old raw id moves aside to orphan_raw_id so the old document can
	// be deleted after the new one is committed.
	EventReplace Event = "replace"
)

// ErrIllegalTransition is returned when an event is not legal from the
// record's current state.
var ErrIllegalTransition = errors.New("fsm: illegal transition")

// edges is the complete legal-movement table. Anything absent is illegal.
var edges = map[catalog.State]map[Event]catalog.State{
	catalog.StateUntracked: {
		EventBeginUpload: catalog.StateUploading,
	},
	catalog.StateUploading: {
		EventRawAccepted: catalog.StateProcessing,
		EventError:       catalog.StateFailed,
	},
	catalog.StateProcessing: {
		EventVisible: catalog.StateIndexed,
		EventError:   catalog.StateFailed,
	},
	catalog.StateFailed: {
		EventRetry: catalog.StateUntracked,
	},
	catalog.StateIndexed: {
		EventReplace: catalog.StateUploading,
	},
}

// Next returns the target state for an event from the given state, or
// ErrIllegalTransition.
func Next(from catalog.State, ev Event) (catalog.State, error) {
	if to, ok := edges[from][ev]; ok {
		return to, nil
	}

	return "", fmt.Errorf("fsm: %s from %s: %w", ev, from, ErrIllegalTransition)
}

// Legal reports whether ev is a legal event from state.
func Legal(from catalog.State, ev Event) bool {
	_, ok := edges[from][ev]
	return ok
}

// Machine applies events through the catalog's optimistic-concurrency
// surface. It owns edge legality; the catalog owns atomicity.
type Machine struct {
	store  catalog.Store
	logger *slog.Logger
}

// New creates a Machine over the given store.
func New(store catalog.Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Machine{store: store, logger: logger}
}

// Begin reads the record and opens an intent for the given event, returning
// the snapshot for the later commit. Events that are illegal from the
// record's current state are rejected before any row is written.
func (m *Machine) Begin(
	ctx context.Context, path string, ev Event,
) (*catalog.FileRecord, catalog.Snapshot, *catalog.Intent, error) {
	rec, err := m.store.GetRecord(ctx, path)
	if err != nil {
		return nil, catalog.Snapshot{}, nil, err
	}

	target, err := Next(rec.State, ev)
	if err != nil {
		return nil, catalog.Snapshot{}, nil, err
	}

	rec, snap, intent, err := m.store.BeginTransition(ctx, path, target)
	if err != nil {
		return nil, catalog.Snapshot{}, nil, err
	}

	// The record may have moved between the read and the intent write;
	// the commit's OCC check is authoritative, but re-validate here so an
	// already-moved record fails fast instead of after the side effect.
	if !Legal(snap.State, ev) {
		if intent != nil {
			if abandonErr := m.store.AbandonIntent(ctx, intent.ID, catalog.IntentAbandoned); abandonErr != nil {
				m.logger.Warn("could not abandon stale intent",
					"path", path, "intent_id", intent.ID, "error", abandonErr.Error())
			}
		}

		return nil, catalog.Snapshot{}, nil,
			fmt.Errorf("fsm: %s from %s: %w", ev, snap.State, ErrIllegalTransition)
	}

	return rec, snap, intent, nil
}

// Commit applies the event's target state plus updates under the snapshot.
// The State field of updates is set from the edge table; callers supply only
// the side-effect fields.
func (m *Machine) Commit(
	ctx context.Context, snap catalog.Snapshot, ev Event, up catalog.Updates,
) error {
	target, err := Next(snap.State, ev)
	if err != nil {
		return err
	}

	up.State = target

	if err := m.store.CommitTransition(ctx, snap, up); err != nil {
		return err
	}

	m.logger.Debug("fsm transition",
		"path", snap.Path, "event", string(ev),
		"from", string(snap.State), "to", string(target))

	return nil
}

// Housekeep applies non-lifecycle field updates under the same OCC protocol
// without moving the state: orphan clearing after a completed replacement,
// requeueing an expired document by clearing its upload hash. The commit
// conflicts like any other if the record moved concurrently.
func (m *Machine) Housekeep(ctx context.Context, path string, up catalog.Updates) error {
	rec, err := m.store.GetRecord(ctx, path)
	if err != nil {
		return err
	}

	_, snap, intent, err := m.store.BeginTransition(ctx, path, rec.State)
	if err != nil {
		return err
	}

	up.State = snap.State
	up.IntentID = intent.ID
	up.IntentOutcome = catalog.IntentCommitted

	if err := m.store.CommitTransition(ctx, snap, up); err != nil {
		return err
	}

	m.logger.Debug("housekeeping commit", "path", path, "state", string(snap.State))

	return nil
}

// --- Guards ---

// BeginUploadAllowed is the idempotency gate: an upload may start only when
// the bytes that would be submitted differ from the last submitted bytes.
func BeginUploadAllowed(rec *catalog.FileRecord) bool {
	return rec.UploadNeeded()
}

// RawAccepted requires the artifact to have reached its ACTIVE-equivalent
// terminal state at the backend. An enqueued artifact is not acceptable:
// imports against non-terminal artifacts fail downstream.
func RawAccepted(artifact *remote.RawArtifact) bool {
	return artifact != nil && artifact.State == remote.RawStateActive
}

// --- Updates builders for multi-field edges ---

// ReplaceUpdates builds the updates for the replace edge: the previous raw
// id moves to orphan_raw_id (a pending cleanup obligation) and the document
// reference is cleared so invariants hold while the new upload runs.
func ReplaceUpdates(rec *catalog.FileRecord) catalog.Updates {
	return catalog.Updates{
		OrphanRawID: catalog.StrPtr(rec.RemoteRawID),
		RemoteRawID: catalog.StrPtr(""),
		RemoteDocID: catalog.StrPtr(""),
	}
}

// RetryUpdates builds the updates for the retry edge: remote references and
// the error reason are cleared, attempt counters are preserved, and the
// upload hash is kept so an unchanged file stays a no-op.
func RetryUpdates() catalog.Updates {
	return catalog.Updates{
		RemoteRawID: catalog.StrPtr(""),
		RemoteDocID: catalog.StrPtr(""),
		ErrorReason: catalog.StrPtr(""),
	}
}
