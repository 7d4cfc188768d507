// Package uploader drives pending catalog records through the upload
// lifecycle: a bounded-concurrency dispatcher pulls a batch of pending
// records, gates every remote call through the rate guard, and runs each
// record through FSM-supervised begin/execute/commit cycles. It also owns
// the startup recovery sweep over open upload intents.
package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/semindex/semindex/internal/catalog"
	"github.com/semindex/semindex/internal/fsm"
	"github.com/semindex/semindex/internal/rateguard"
	"github.com/semindex/semindex/internal/remote"
)

// OCC conflict retry tuning: jittered exponential back-off, per-attempt
// delay capped at one second, at most five retries. Conflicts are absorbed
// here and never surface to the operator.
const (
	occBaseDelay  = 100 * time.Millisecond
	occCapDelay   = time.Second
	occJitter     = 50 * time.Millisecond
	occMaxRetries = 5
)

// Visibility polling ladder after a completed import.
const (
	visibleInitialDelay = 500 * time.Millisecond
	visibleBackoff      = 1.5
	visibleMaxDelay     = 10 * time.Second
)

// Defaults for Config zero values.
const (
	defaultBatchSize         = 100
	defaultConcurrency       = 10
	defaultImportTimeout     = 120 * time.Second
	defaultVisibilityTimeout = 300 * time.Second
	defaultRetryCooldown     = 30 * time.Second
)

// RemoteAPI is the backend surface the orchestrator needs. *remote.Client
// satisfies it; tests substitute fakes.
type RemoteAPI interface {
	UploadRaw(ctx context.Context, data []byte, displayName string) (*remote.RawArtifact, error)
	GetRaw(ctx context.Context, rawID string) (*remote.RawArtifact, error)
	ImportIntoStore(ctx context.Context, rawID, store string) (*remote.Operation, error)
	AwaitOperation(ctx context.Context, op *remote.Operation, timeout time.Duration) (string, error)
	GetDocument(ctx context.Context, store, docID string) (*remote.DocumentRef, error)
	ListStoreDocuments(ctx context.Context, store string) ([]remote.DocumentRef, error)
	DeleteDocument(ctx context.Context, store, docID string, force bool) error
	DeleteRaw(ctx context.Context, rawID string) error
}

// Gate is the rate-guard surface the orchestrator needs. *rateguard.Guard
// satisfies it.
type Gate interface {
	Acquire(ctx context.Context) (rateguard.Ticket, error)
	Record(t rateguard.Ticket, o rateguard.Outcome)
}

// Config tunes one orchestrator. Store is the resolved remote store resource
// name; LibraryRoot anchors relative record paths on disk.
type Config struct {
	Store       string
	LibraryRoot string

	BatchSize   int
	Concurrency int

	ImportTimeout     time.Duration
	VisibilityTimeout time.Duration
	RetryCooldown     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}

	if c.ImportTimeout <= 0 {
		c.ImportTimeout = defaultImportTimeout
	}

	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}

	if c.RetryCooldown <= 0 {
		c.RetryCooldown = defaultRetryCooldown
	}

	return c
}

// FailedRecord is one permanently failed record in a batch report.
type FailedRecord struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Report summarizes one orchestrator run.
type Report struct {
	Indexed   int `json:"indexed"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Conflicts int `json:"conflicts"`
	Recovered int `json:"recovered"`

	// UploadedBytes is the total payload size of the indexed records.
	UploadedBytes int64 `json:"uploaded_bytes"`

	Failures []FailedRecord `json:"failures,omitempty"`
}

// resultKind classifies the outcome of processing one record.
type resultKind int

const (
	kindIndexed resultKind = iota
	kindUnchanged
	kindSkipped          // breaker open or shutdown; record untouched
	kindFailedTransient  // FAILED, eligible for the retry pass
	kindFailedPermanent  // FAILED, operator must inspect
)

type result struct {
	path   string
	kind   resultKind
	reason string
	bytes  int64
}

// retryable reports whether the record deserves the post-batch retry pass.
func (r result) retryable() bool {
	return r.kind == kindSkipped || r.kind == kindFailedTransient
}

// Orchestrator is the bounded-concurrency upload driver. One instance per
// invocation; rate-guard state is scoped to it.
type Orchestrator struct {
	cfg     Config
	store   catalog.Store
	machine *fsm.Machine
	client  RemoteAPI
	guard   Gate
	logger  *slog.Logger

	gate     *slotGate
	draining atomic.Bool

	conflicts atomic.Int64
	recovered atomic.Int64

	// Injection points for tests.
	sleepFunc func(ctx context.Context, d time.Duration) error
	readFile  func(relPath string) ([]byte, error)
}

// New creates an orchestrator over the given collaborators.
func New(cfg Config, store catalog.Store, client RemoteAPI, guard Gate, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()

	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		machine: fsm.New(store, logger),
		client:  client,
		guard:   guard,
		logger:  logger,
		gate:    newSlotGate(cfg.Concurrency),
	}

	o.sleepFunc = sleepCtx
	o.readFile = func(relPath string) ([]byte, error) {
		return os.ReadFile(filepath.Join(cfg.LibraryRoot, filepath.FromSlash(relPath)))
	}

	return o
}

// SetLimit adjusts the concurrency limit mid-run. In-flight work is never
// cancelled on decrease; new dispatches are held until the active count
// drops below the new limit.
func (o *Orchestrator) SetLimit(n int) {
	o.gate.SetLimit(n)
	o.logger.Info("dispatch limit changed", "limit", n)
}

// StopAccepting gates the source off: no new records are dispatched, and
// in-flight work completes. The hard stop is the run context.
func (o *Orchestrator) StopAccepting() {
	o.draining.Store(true)
	o.logger.Info("orchestrator draining, no new dispatches")
}

// BreakerObserver returns a rate-guard state-change hook that shrinks the
// dispatch limit to one while the breaker is open and restores the
// configured concurrency when it closes.
func (o *Orchestrator) BreakerObserver() rateguard.StateChangeFunc {
	return func(_, to rateguard.BreakerState) {
		switch to {
		case rateguard.BreakerOpen:
			o.SetLimit(1)
		case rateguard.BreakerClosed:
			o.SetLimit(o.cfg.Concurrency)
		case rateguard.BreakerHalfOpen:
			// Limit unchanged; the guard already serializes the probe.
		}
	}
}

// Run performs one full orchestrator invocation: recovery sweep, main
// dispatch pass over pending records, then one post-batch retry pass over
// transient failures and skips after a cool-down.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	o.conflicts.Store(0)
	o.recovered.Store(0)

	if err := o.RecoverIntents(ctx); err != nil {
		return nil, fmt.Errorf("uploader: recovery sweep: %w", err)
	}

	pending, err := o.store.LoadPending(ctx, o.cfg.BatchSize,
		[]catalog.State{catalog.StateUntracked, catalog.StateIndexed})
	if err != nil {
		return nil, fmt.Errorf("uploader: loading pending records: %w", err)
	}

	o.logger.Info("upload batch loaded", "pending", len(pending))

	results := o.runPass(ctx, pending)

	var retried int

	retryPaths := make([]string, 0)

	for _, r := range results {
		if r.retryable() {
			retryPaths = append(retryPaths, r.path)
		}
	}

	if len(retryPaths) > 0 && !o.draining.Load() && ctx.Err() == nil {
		o.logger.Info("post-batch retry pass",
			"records", len(retryPaths), "cooldown", o.cfg.RetryCooldown.String())

		if err := o.sleepFunc(ctx, o.cfg.RetryCooldown); err == nil {
			recs := o.reloadForRetry(ctx, retryPaths)
			retryResults := o.runPass(ctx, recs)
			retried = len(retryResults)

			merged := make(map[string]result, len(retryResults))
			for _, r := range retryResults {
				merged[r.path] = r
			}

			for i, r := range results {
				if rr, ok := merged[r.path]; ok {
					results[i] = rr
				}
			}
		}
	}

	rep := &Report{
		Retried:   retried,
		Conflicts: int(o.conflicts.Load()),
		Recovered: int(o.recovered.Load()),
	}

	for _, r := range results {
		switch r.kind {
		case kindIndexed:
			rep.Indexed++
			rep.UploadedBytes += r.bytes
		case kindUnchanged:
			rep.Unchanged++
		case kindSkipped:
			rep.Skipped++
		case kindFailedTransient, kindFailedPermanent:
			rep.Failed++
			rep.Failures = append(rep.Failures, FailedRecord{Path: r.path, Reason: r.reason})
		}
	}

	o.logger.Info("upload batch finished",
		"indexed", rep.Indexed, "unchanged", rep.Unchanged,
		"skipped", rep.Skipped, "failed", rep.Failed,
		"conflicts", rep.Conflicts, "recovered", rep.Recovered)

	return rep, nil
}

// runPass dispatches one pass over the given records under the slot gate.
func (o *Orchestrator) runPass(ctx context.Context, recs []*catalog.FileRecord) []result {
	results := make([]result, len(recs))

	var wg sync.WaitGroup

	for i, rec := range recs {
		if o.draining.Load() || ctx.Err() != nil {
			results[i] = result{path: rec.Path, kind: kindSkipped, reason: "shutdown"}
			continue
		}

		if err := o.gate.Acquire(ctx); err != nil {
			results[i] = result{path: rec.Path, kind: kindSkipped, reason: "shutdown"}
			continue
		}

		wg.Add(1)

		go func(i int, rec *catalog.FileRecord) {
			defer wg.Done()
			defer o.gate.Release()

			results[i] = o.processRecord(ctx, rec)
		}(i, rec)
	}

	wg.Wait()

	return results
}

// reloadForRetry re-reads the given records for the retry pass, moving
// FAILED ones back to UNTRACKED through the retry edge first. A skip in the
// middle of the lifecycle chain leaves a record resting in UPLOADING or
// PROCESSING; those roll back the same way the recovery sweep does, so the
// pass re-dispatches them from a state begin-upload accepts.
func (o *Orchestrator) reloadForRetry(ctx context.Context, paths []string) []*catalog.FileRecord {
	recs := make([]*catalog.FileRecord, 0, len(paths))

	for _, path := range paths {
		rec, err := o.store.GetRecord(ctx, path)
		if err != nil {
			o.logger.Warn("retry reload failed", "path", path, "error", err.Error())
			continue
		}

		if rec.State == catalog.StateUploading || rec.State == catalog.StateProcessing {
			if err := o.rollBack(ctx, path); err != nil {
				o.logger.Warn("retry rollback failed", "path", path, "error", err.Error())
				continue
			}

			rec, err = o.store.GetRecord(ctx, path)
			if err != nil {
				continue
			}
		} else if rec.State == catalog.StateFailed {
			err := o.transition(ctx, path, fsm.EventRetry,
				func(context.Context, *catalog.FileRecord) (catalog.Updates, error) {
					return fsm.RetryUpdates(), nil
				})
			if err != nil {
				o.logger.Warn("retry reset failed", "path", path, "error", err.Error())
				continue
			}

			rec, err = o.store.GetRecord(ctx, path)
			if err != nil {
				continue
			}
		}

		recs = append(recs, rec)
	}

	return recs
}

// processRecord drives one record through its full lifecycle. Returns the
// record's batch outcome; all failures are absorbed into the record state.
func (o *Orchestrator) processRecord(ctx context.Context, rec *catalog.FileRecord) result {
	path := rec.Path

	// Idempotency gate: matching hashes make the whole operation a no-op
	// with zero remote calls.
	if !fsm.BeginUploadAllowed(rec) {
		return result{path: path, kind: kindUnchanged}
	}

	data, err := o.readFile(path)
	if err != nil {
		reason := fmt.Sprintf("reading file: %v", err)
		o.markError(ctx, path, reason)

		return result{path: path, kind: kindFailedPermanent, reason: reason}
	}

	uploadHash := hashBytes(data)

	// First ticket before any transition: a breaker skip here leaves the
	// record untouched for requeue.
	first, err := o.guard.Acquire(ctx)
	if err != nil {
		if errors.Is(err, rateguard.ErrSkip) {
			return result{path: path, kind: kindSkipped, reason: "circuit open"}
		}

		return result{path: path, kind: kindSkipped, reason: "canceled"}
	}

	ts := &ticketSource{o: o, pre: &first}

	var (
		artifact *remote.RawArtifact
		op       *remote.Operation
		oldDocID string
		oldRawID string
	)

	uploadNew := func(ctx context.Context) error {
		return ts.call(ctx, func(ctx context.Context) error {
			a, err := o.client.UploadRaw(ctx, data, filepath.Base(path))
			if err != nil {
				return err
			}

			artifact = a

			return nil
		})
	}

	if rec.State == catalog.StateIndexed {
		// Upload-first replacement: the new raw goes up while the old
		// document stays live and the record stays INDEXED. Only then does
		// the replace edge move the old raw aside as a cleanup obligation.
		oldDocID, oldRawID = rec.RemoteDocID, rec.RemoteRawID

		if err := uploadNew(ctx); err != nil {
			return o.chainFailure(ctx, path, "uploading replacement raw", err)
		}

		err = o.transition(ctx, path, fsm.EventReplace,
			func(_ context.Context, cur *catalog.FileRecord) (catalog.Updates, error) {
				up := fsm.ReplaceUpdates(cur)
				up.AttemptDelta = 1

				return up, nil
			})
	} else {
		// Fresh upload: commit UPLOADING first, then perform the upload.
		// A failure after the commit takes the error edge to FAILED; a
		// crash leaves a non-terminal record for the recovery sweep.
		err = o.transition(ctx, path, fsm.EventBeginUpload,
			func(context.Context, *catalog.FileRecord) (catalog.Updates, error) {
				return catalog.Updates{AttemptDelta: 1}, nil
			})
		if err == nil {
			if upErr := uploadNew(ctx); upErr != nil {
				return o.chainFailure(ctx, path, "uploading raw", upErr)
			}
		}
	}

	if err != nil {
		return o.chainFailure(ctx, path, "starting upload", err)
	}

	// Record the raw id and start the import once the artifact is ACTIVE.
	err = o.transition(ctx, path, fsm.EventRawAccepted,
		func(ctx context.Context, _ *catalog.FileRecord) (catalog.Updates, error) {
			active, err := o.awaitRawActive(ctx, ts, artifact)
			if err != nil {
				return catalog.Updates{}, err
			}

			artifact = active

			importErr := ts.call(ctx, func(ctx context.Context) error {
				started, err := o.client.ImportIntoStore(ctx, artifact.ID, o.cfg.Store)
				if err != nil {
					return err
				}

				op = started

				return nil
			})
			if importErr != nil {
				return catalog.Updates{}, importErr
			}

			return catalog.Updates{
				RemoteRawID: catalog.StrPtr(artifact.ID),
				UploadHash:  catalog.StrPtr(uploadHash),
			}, nil
		})
	if err != nil {
		return o.chainFailure(ctx, path, "importing", err)
	}

	// Await completion and confirm visibility before committing INDEXED.
	err = o.transition(ctx, path, fsm.EventVisible,
		func(ctx context.Context, _ *catalog.FileRecord) (catalog.Updates, error) {
			var docID string

			awaitErr := ts.call(ctx, func(ctx context.Context) error {
				id, err := o.client.AwaitOperation(ctx, op, o.cfg.ImportTimeout)
				if err != nil {
					return err
				}

				docID = id

				return nil
			})
			if awaitErr != nil {
				return catalog.Updates{}, awaitErr
			}

			if err := o.awaitVisible(ctx, ts, docID); err != nil {
				return catalog.Updates{}, err
			}

			up := catalog.Updates{
				RemoteDocID:   catalog.StrPtr(docID),
				ErrorReason:   catalog.StrPtr(""),
				ResetAttempts: true,
			}

			if !artifact.ExpireTime.IsZero() {
				up.RemoteExpiration = catalog.Int64Ptr(artifact.ExpireTime.UnixNano())
			}

			return up, nil
		})
	if err != nil {
		return o.chainFailure(ctx, path, "awaiting visibility", err)
	}

	// Replacement steps (d)+(e): delete the superseded document and raw,
	// then clear the obligation. Failures leave the orphan in place for the
	// next run's sweeper.
	if oldRawID != "" {
		if err := o.cleanupReplaced(ctx, ts, path, oldDocID, oldRawID); err != nil {
			o.logger.Warn("orphan cleanup deferred to next run",
				"path", path, "orphan_raw_id", oldRawID, "error", err.Error())
		}
	}

	o.logger.Info("record indexed", "path", path, "bytes", len(data))

	return result{path: path, kind: kindIndexed, bytes: int64(len(data))}
}

// transition runs one begin/execute/commit cycle under OCC, retrying the
// whole cycle on conflict with jittered exponential back-off.
func (o *Orchestrator) transition(
	ctx context.Context, path string, ev fsm.Event,
	execute func(ctx context.Context, rec *catalog.FileRecord) (catalog.Updates, error),
) error {
	return retry.Do(ctx, o.occBackoff(), func(ctx context.Context) error {
		rec, snap, intent, err := o.machine.Begin(ctx, path, ev)
		if err != nil {
			return err
		}

		up, err := execute(ctx, rec)
		if err != nil {
			if abErr := o.store.AbandonIntent(ctx, intent.ID, catalog.IntentRolledBack); abErr != nil {
				o.logger.Warn("could not roll back intent",
					"path", path, "intent_id", intent.ID, "error", abErr.Error())
			}

			return err
		}

		up.IntentID = intent.ID
		up.IntentOutcome = catalog.IntentCommitted

		if err := o.machine.Commit(ctx, snap, ev, up); err != nil {
			if errors.Is(err, catalog.ErrConflict) {
				o.conflicts.Add(1)
				return retry.RetryableError(err)
			}

			return err
		}

		return nil
	})
}

// housekeep applies a same-state OCC update with conflict retries.
func (o *Orchestrator) housekeep(ctx context.Context, path string, up catalog.Updates) error {
	return retry.Do(ctx, o.occBackoff(), func(ctx context.Context) error {
		if err := o.machine.Housekeep(ctx, path, up); err != nil {
			if errors.Is(err, catalog.ErrConflict) {
				o.conflicts.Add(1)
				return retry.RetryableError(err)
			}

			return err
		}

		return nil
	})
}

func (o *Orchestrator) occBackoff() retry.Backoff {
	b := retry.NewExponential(occBaseDelay)
	b = retry.WithJitter(occJitter, b)
	b = retry.WithCappedDuration(occCapDelay, b)
	b = retry.WithMaxRetries(occMaxRetries, b)

	return b
}

// chainFailure resolves a failed lifecycle step: skips stay requeueable,
// in-flight records move to FAILED with a reason, and the failure is
// classified transient or permanent for the retry pass.
func (o *Orchestrator) chainFailure(ctx context.Context, path, phase string, err error) result {
	if errors.Is(err, rateguard.ErrSkip) {
		return result{path: path, kind: kindSkipped, reason: "circuit open"}
	}

	if ctx.Err() != nil {
		// Hard cancel: no spurious state write; the open intent is
		// re-resolved by the next startup's recovery sweep.
		return result{path: path, kind: kindSkipped, reason: "canceled"}
	}

	reason := fmt.Sprintf("%s: %v", phase, err)
	kind := kindFailedPermanent

	if remote.Transient(err) {
		kind = kindFailedTransient
	}

	rec, gErr := o.store.GetRecord(ctx, path)
	if gErr == nil && fsm.Legal(rec.State, fsm.EventError) {
		tErr := o.transition(ctx, path, fsm.EventError,
			func(context.Context, *catalog.FileRecord) (catalog.Updates, error) {
				return catalog.Updates{ErrorReason: catalog.StrPtr(reason)}, nil
			})
		if tErr != nil {
			o.logger.Error("could not record failure state",
				"path", path, "error", tErr.Error())
		}
	} else {
		o.markError(ctx, path, reason)
	}

	o.logger.Warn("record failed", "path", path, "reason", reason, "transient", kind == kindFailedTransient)

	return result{path: path, kind: kind, reason: reason}
}

func (o *Orchestrator) markError(ctx context.Context, path, reason string) {
	if err := o.store.MarkError(ctx, path, reason); err != nil {
		o.logger.Error("could not persist error reason", "path", path, "error", err.Error())
	}
}

// awaitRawActive polls the raw artifact until it leaves PROCESSING. Each
// poll is one guarded remote call.
func (o *Orchestrator) awaitRawActive(
	ctx context.Context, ts *ticketSource, artifact *remote.RawArtifact,
) (*remote.RawArtifact, error) {
	deadline := time.Now().Add(o.cfg.ImportTimeout)
	delay := visibleInitialDelay
	current := artifact

	for {
		if fsm.RawAccepted(current) {
			return current, nil
		}

		if current.State == remote.RawStateFailed {
			return nil, fmt.Errorf("uploader: raw artifact %s failed backend processing: %w",
				current.ID, remote.ErrOperationFailed)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("uploader: raw artifact %s not active after %s: %w",
				current.ID, o.cfg.ImportTimeout, remote.ErrOperationTimeout)
		}

		if err := o.sleepFunc(ctx, delay); err != nil {
			return nil, err
		}

		delay = nextDelay(delay)

		err := ts.call(ctx, func(ctx context.Context) error {
			a, err := o.client.GetRaw(ctx, current.ID)
			if err != nil {
				return err
			}

			current = a

			return nil
		})
		if err != nil {
			return nil, err
		}
	}
}

// awaitVisible confirms the imported document is retrievable. One call
// usually suffices; not-found responses walk the back-off ladder until the
// visibility timeout.
func (o *Orchestrator) awaitVisible(ctx context.Context, ts *ticketSource, docID string) error {
	deadline := time.Now().Add(o.cfg.VisibilityTimeout)
	delay := visibleInitialDelay

	for {
		err := ts.call(ctx, func(ctx context.Context) error {
			_, err := o.client.GetDocument(ctx, o.cfg.Store, docID)
			return err
		})
		if err == nil {
			return nil
		}

		if !errors.Is(err, remote.ErrNotFound) {
			return err
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("uploader: document %s not visible after %s: %w",
				docID, o.cfg.VisibilityTimeout, remote.ErrOperationTimeout)
		}

		if sleepErr := o.sleepFunc(ctx, delay); sleepErr != nil {
			return sleepErr
		}

		delay = nextDelay(delay)
	}
}

// cleanupReplaced performs replacement steps (d) and (e): remote deletes of
// the superseded document and raw, then clearing orphan_raw_id under OCC.
func (o *Orchestrator) cleanupReplaced(
	ctx context.Context, ts *ticketSource, path, oldDocID, oldRawID string,
) error {
	if oldDocID != "" {
		err := ts.call(ctx, func(ctx context.Context) error {
			return o.client.DeleteDocument(ctx, o.cfg.Store, oldDocID, true)
		})
		if err != nil {
			return fmt.Errorf("deleting superseded document: %w", err)
		}
	}

	err := ts.call(ctx, func(ctx context.Context) error {
		return o.client.DeleteRaw(ctx, oldRawID)
	})
	if err != nil {
		return fmt.Errorf("deleting superseded raw: %w", err)
	}

	if err := o.housekeep(ctx, path, catalog.Updates{OrphanRawID: catalog.StrPtr("")}); err != nil {
		return fmt.Errorf("clearing orphan reference: %w", err)
	}

	return nil
}

// ticketSource hands out rate-guard tickets for remote calls, consuming a
// pre-acquired ticket first so the dispatch-time acquisition is not wasted.
type ticketSource struct {
	o   *Orchestrator
	pre *rateguard.Ticket
}

// call performs one guarded remote call and records its outcome.
func (ts *ticketSource) call(ctx context.Context, fn func(ctx context.Context) error) error {
	var t rateguard.Ticket

	if ts.pre != nil {
		t = *ts.pre
		ts.pre = nil
	} else {
		var err error

		t, err = ts.o.guard.Acquire(ctx)
		if err != nil {
			return err
		}
	}

	err := fn(ctx)
	ts.o.guard.Record(t, outcomeFor(err))

	return err
}

// outcomeFor classifies a remote call result for breaker accounting.
func outcomeFor(err error) rateguard.Outcome {
	switch {
	case err == nil || errors.Is(err, remote.ErrNotFound):
		return rateguard.OutcomeSuccess
	case errors.Is(err, remote.ErrThrottled):
		return rateguard.OutcomeThrottled
	case errors.Is(err, remote.ErrServerError), errors.Is(err, remote.ErrOperationTimeout):
		return rateguard.OutcomeUnavailable
	default:
		return rateguard.OutcomeError
	}
}

func nextDelay(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * visibleBackoff)
	if d > visibleMaxDelay {
		d = visibleMaxDelay
	}

	return d
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
