package uploader

import (
	"context"
	"errors"
	"fmt"

	"github.com/semindex/semindex/internal/catalog"
	"github.com/semindex/semindex/internal/docid"
	"github.com/semindex/semindex/internal/fsm"
	"github.com/semindex/semindex/internal/remote"
)

// RecoverIntents is the startup recovery sweep. It resolves open upload
// intents and any record stranded in a non-terminal state by a crash:
// consult the backend to discover whether the intended side effect actually
// happened, then roll the record forward to INDEXED or back to UNTRACKED.
// The dispatch loop must not start before this returns.
func (o *Orchestrator) RecoverIntents(ctx context.Context) error {
	intents, err := o.store.LoadOpenIntents(ctx)
	if err != nil {
		return err
	}

	records, err := o.store.ListRecords(ctx)
	if err != nil {
		return err
	}

	var stranded []*catalog.FileRecord

	for _, rec := range records {
		if !rec.State.Terminal() {
			stranded = append(stranded, rec)
		}
	}

	if len(intents) == 0 && len(stranded) == 0 {
		return nil
	}

	o.logger.Info("recovery sweep starting",
		"open_intents", len(intents), "stranded_records", len(stranded))

	openByPath := make(map[string]*catalog.Intent, len(intents))
	for _, intent := range intents {
		openByPath[intent.Path] = intent
	}

	// One listing serves every roll-forward check in the sweep.
	var (
		listed bool
		docs   []remote.DocumentRef
	)

	listDocs := func() ([]remote.DocumentRef, error) {
		if listed {
			return docs, nil
		}

		d, err := o.client.ListStoreDocuments(ctx, o.cfg.Store)
		if err != nil {
			return nil, err
		}

		docs, listed = d, true

		return docs, nil
	}

	for _, rec := range stranded {
		intent := openByPath[rec.Path]
		delete(openByPath, rec.Path)

		if err := o.recoverRecord(ctx, rec, intent, listDocs); err != nil {
			return fmt.Errorf("recovering %s: %w", rec.Path, err)
		}

		o.recovered.Add(1)
	}

	// Remaining open intents belong to records that already reached a
	// terminal state (or vanished); the intent row is just stale.
	for path, intent := range openByPath {
		o.logger.Debug("abandoning stale intent", "path", path, "intent_id", intent.ID)

		if err := o.store.AbandonIntent(ctx, intent.ID, catalog.IntentAbandoned); err != nil {
			return fmt.Errorf("abandoning intent %d: %w", intent.ID, err)
		}
	}

	return nil
}

// recoverRecord resolves one stranded record. UPLOADING records never
// persisted a raw id, so the side effect is unobservable and they roll
// back. PROCESSING records carry a raw id; if the store lists a document
// derived from it the import finished and the record rolls forward.
func (o *Orchestrator) recoverRecord(
	ctx context.Context, rec *catalog.FileRecord, intent *catalog.Intent,
	listDocs func() ([]remote.DocumentRef, error),
) error {
	outcome := catalog.IntentRolledBack

	if intent != nil {
		defer func() {
			if err := o.store.AbandonIntent(ctx, intent.ID, outcome); err != nil {
				o.logger.Warn("could not finalize recovered intent",
					"path", rec.Path, "intent_id", intent.ID, "error", err.Error())
			}
		}()
	}

	if rec.State == catalog.StateProcessing {
		docs, err := listDocs()
		if err != nil {
			return err
		}

		if doc, ok := findDocForRaw(docs, rec.RemoteRawID); ok {
			o.logger.Info("rolling forward interrupted import",
				"path", rec.Path, "doc_id", doc.ID)

			err := o.transition(ctx, rec.Path, fsm.EventVisible,
				func(context.Context, *catalog.FileRecord) (catalog.Updates, error) {
					up := catalog.Updates{
						RemoteDocID:   catalog.StrPtr(doc.ID),
						ErrorReason:   catalog.StrPtr(""),
						ResetAttempts: true,
					}

					if !doc.ExpireTime.IsZero() {
						up.RemoteExpiration = catalog.Int64Ptr(doc.ExpireTime.UnixNano())
					}

					return up, nil
				})
			if err == nil {
				outcome = catalog.IntentCommitted
			}

			return err
		}
	}

	o.logger.Info("rolling back interrupted upload",
		"path", rec.Path, "state", string(rec.State))

	return o.rollBack(ctx, rec.Path)
}

// rollBack walks a stranded record to UNTRACKED through the error and retry
// edges so the next batch picks it up cleanly.
func (o *Orchestrator) rollBack(ctx context.Context, path string) error {
	err := o.transition(ctx, path, fsm.EventError,
		func(context.Context, *catalog.FileRecord) (catalog.Updates, error) {
			return catalog.Updates{
				ErrorReason: catalog.StrPtr("interrupted before commit"),
				RemoteRawID: catalog.StrPtr(""),
			}, nil
		})
	if err != nil && !errors.Is(err, fsm.ErrIllegalTransition) {
		return err
	}

	return o.transition(ctx, path, fsm.EventRetry,
		func(context.Context, *catalog.FileRecord) (catalog.Updates, error) {
			return fsm.RetryUpdates(), nil
		})
}

// findDocForRaw locates the store document imported from the given raw id.
func findDocForRaw(docs []remote.DocumentRef, rawID string) (remote.DocumentRef, bool) {
	for _, doc := range docs {
		if docid.DerivedFrom(doc.ID, rawID) {
			return doc, true
		}
	}

	return remote.DocumentRef{}, false
}
