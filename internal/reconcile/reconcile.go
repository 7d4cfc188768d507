// Package reconcile keeps the on-disk library, the local catalog, and the
// remote store mutually consistent. It runs before every upload batch: mount
// check, store-binding check, orphan drain, then change classification over
// a deterministic walk of the library root.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/semindex/semindex/internal/catalog"
	"github.com/semindex/semindex/internal/docid"
	"github.com/semindex/semindex/internal/fsm"
	"github.com/semindex/semindex/internal/rateguard"
	"github.com/semindex/semindex/internal/remote"
)

// Sentinel errors. Each maps to a distinct exit code at the CLI.
var (
	// ErrMountUnavailable means the library root is not accessible. Query
	// paths that do not need the disk remain available.
	ErrMountUnavailable = errors.New("reconcile: library root not accessible")

	// ErrStoreBindingMismatch means the catalog is bound to a different
	// remote store than the one configured. Overriding requires an explicit
	// operator gesture.
	ErrStoreBindingMismatch = errors.New("reconcile: store binding mismatch")
)

// mtimeEpsilon is the tolerance for the modification-time fast path.
// Filesystems round mtimes differently; a microsecond absorbs that.
const mtimeEpsilon = 1e-6

// defaultMissingWindow is how long a record stays missing before the
// opt-in prune step may delete its remote artifacts.
const defaultMissingWindow = 7 * 24 * time.Hour

// orphanDrainParallelism bounds concurrent orphan deletions.
const orphanDrainParallelism = 4

// RemoteAPI is the backend surface the reconciler needs.
type RemoteAPI interface {
	ListStoreDocuments(ctx context.Context, store string) ([]remote.DocumentRef, error)
	DeleteDocument(ctx context.Context, store, docID string, force bool) error
	DeleteRaw(ctx context.Context, rawID string) error
}

// BreakerStater exposes the circuit breaker state. The reconciler's delete
// paths are not paced, but they still respect an open breaker.
type BreakerStater interface {
	State() rateguard.BreakerState
}

// Config tunes one reconciler.
type Config struct {
	LibraryRoot   string
	Store         string // resolved store resource name
	MissingWindow time.Duration

	// Eligible filters walk entries by relative path. Nil admits every
	// regular file; exclusion patterns are owned by the caller.
	Eligible func(relPath string) bool
}

func (c Config) withDefaults() Config {
	if c.MissingWindow <= 0 {
		c.MissingWindow = defaultMissingWindow
	}

	return c
}

// ChangeSet is the result of one classification walk.
type ChangeSet struct {
	New      []string `json:"new,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Missing  []string `json:"missing,omitempty"`

	Unchanged    int `json:"unchanged"`
	MtimeSkipped int `json:"mtime_skipped"`
	Reappeared   int `json:"reappeared"`
}

// Result summarizes one full reconcile run.
type Result struct {
	Changes        *ChangeSet `json:"changes"`
	OrphansCleared int        `json:"orphans_cleared"`
	Pruned         int        `json:"pruned"`
	Requeued       int        `json:"requeued"`
}

// Options select optional reconcile behavior per invocation.
type Options struct {
	DryRun       bool
	Force        bool // override a store-binding mismatch
	PruneMissing bool
}

// Reconciler implements the pre-upload consistency phases.
type Reconciler struct {
	cfg     Config
	store   catalog.Store
	machine *fsm.Machine
	client  RemoteAPI
	breaker BreakerStater
	logger  *slog.Logger

	// now is the clock, injectable for tests.
	now func() time.Time
}

// New creates a reconciler. breaker may be nil when no guard is running.
func New(cfg Config, store catalog.Store, client RemoteAPI, breaker BreakerStater, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		cfg:     cfg.withDefaults(),
		store:   store,
		machine: fsm.New(store, logger),
		client:  client,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes the reconcile phases in order: mount check, store-binding
// check, orphan drain, expired-document requeue, change classification,
// and (opt-in) prune of long-missing records.
func (r *Reconciler) Run(ctx context.Context, opts Options) (*Result, error) {
	if err := r.CheckMount(); err != nil {
		return nil, err
	}

	if err := r.CheckStoreBinding(ctx, opts.Force); err != nil {
		return nil, err
	}

	res := &Result{}

	if !opts.DryRun {
		cleared, err := r.DrainOrphans(ctx)
		if err != nil {
			return nil, err
		}

		res.OrphansCleared = cleared

		requeued, err := r.RequeueExpired(ctx)
		if err != nil {
			return nil, err
		}

		res.Requeued = requeued
	}

	changes, err := r.Classify(ctx, opts.DryRun)
	if err != nil {
		return nil, err
	}

	res.Changes = changes

	if opts.PruneMissing && !opts.DryRun {
		pruned, err := r.PruneMissing(ctx)
		if err != nil {
			return nil, err
		}

		res.Pruned = pruned
	}

	r.logger.Info("reconcile finished",
		"new", len(changes.New), "modified", len(changes.Modified),
		"missing", len(changes.Missing), "unchanged", changes.Unchanged,
		"mtime_skipped", changes.MtimeSkipped,
		"orphans_cleared", res.OrphansCleared,
		"requeued", res.Requeued, "pruned", res.Pruned)

	return res, nil
}

// CheckMount verifies the library root exists and is a directory.
func (r *Reconciler) CheckMount() error {
	info, err := os.Stat(r.cfg.LibraryRoot)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMountUnavailable, r.cfg.LibraryRoot, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrMountUnavailable, r.cfg.LibraryRoot)
	}

	return nil
}

// CheckStoreBinding enforces the persisted catalog-to-store binding. The
// first run records the binding; later runs refuse a different store unless
// force rebinds it.
func (r *Reconciler) CheckStoreBinding(ctx context.Context, force bool) error {
	bound, err := r.store.GetLibraryConfig(ctx, catalog.ConfigStoreBinding)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("reconcile: reading store binding: %w", err)
	}

	if bound == "" {
		if err := r.store.SetLibraryConfig(ctx, catalog.ConfigStoreBinding, r.cfg.Store); err != nil {
			return fmt.Errorf("reconcile: persisting store binding: %w", err)
		}

		r.logger.Info("store binding recorded", "store", r.cfg.Store)

		return nil
	}

	if bound != r.cfg.Store {
		if !force {
			return fmt.Errorf("%w: catalog bound to %q, configured %q",
				ErrStoreBindingMismatch, bound, r.cfg.Store)
		}

		r.logger.Warn("store binding override", "old", bound, "new", r.cfg.Store)

		if err := r.store.SetLibraryConfig(ctx, catalog.ConfigStoreBinding, r.cfg.Store); err != nil {
			return fmt.Errorf("reconcile: rebinding store: %w", err)
		}
	}

	return nil
}

// DrainOrphans completes interrupted replacements: for every record holding
// an orphan_raw_id, delete the superseded store document and raw artifact,
// then clear the obligation. A failed delete leaves the orphan for the next
// run; nothing is corrupted.
func (r *Reconciler) DrainOrphans(ctx context.Context) (int, error) {
	orphans, err := r.store.LoadOrphans(ctx)
	if err != nil {
		return 0, err
	}

	if len(orphans) == 0 {
		return 0, nil
	}

	if r.breakerOpen() {
		r.logger.Warn("orphan drain skipped, circuit open", "orphans", len(orphans))
		return 0, nil
	}

	r.logger.Info("draining orphans", "count", len(orphans))

	docs, err := r.client.ListStoreDocuments(ctx, r.cfg.Store)
	if err != nil {
		return 0, fmt.Errorf("reconcile: listing store documents: %w", err)
	}

	cleared := make(chan string, len(orphans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(orphanDrainParallelism)

	for _, rec := range orphans {
		g.Go(func() error {
			if err := r.drainOne(gctx, rec, docs); err != nil {
				r.logger.Warn("orphan left for next run",
					"path", rec.Path, "orphan_raw_id", rec.OrphanRawID, "error", err.Error())

				return nil
			}

			cleared <- rec.Path

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	close(cleared)

	return len(cleared), nil
}

// drainOne deletes one orphan's remote artifacts and clears the reference.
func (r *Reconciler) drainOne(ctx context.Context, rec *catalog.FileRecord, docs []remote.DocumentRef) error {
	// The superseded document's id was never persisted; recover it from the
	// orphan raw id through the identity contract.
	for _, doc := range docs {
		if !docid.DerivedFrom(doc.ID, rec.OrphanRawID) {
			continue
		}

		if doc.ID == rec.RemoteDocID {
			// The live document; never the orphan's.
			continue
		}

		if err := r.client.DeleteDocument(ctx, r.cfg.Store, doc.ID, true); err != nil {
			return fmt.Errorf("deleting orphan document: %w", err)
		}

		break
	}

	if err := r.client.DeleteRaw(ctx, rec.OrphanRawID); err != nil {
		return fmt.Errorf("deleting orphan raw: %w", err)
	}

	if err := r.machine.Housekeep(ctx, rec.Path, catalog.Updates{
		OrphanRawID: catalog.StrPtr(""),
	}); err != nil {
		return fmt.Errorf("clearing orphan reference: %w", err)
	}

	return nil
}

// RequeueExpired makes records whose remote document passed its TTL
// eligible for re-upload by clearing the idempotency hash.
func (r *Reconciler) RequeueExpired(ctx context.Context) (int, error) {
	expired, err := r.store.LoadExpired(ctx, r.now().UnixNano())
	if err != nil {
		return 0, err
	}

	requeued := 0

	for _, rec := range expired {
		err := r.machine.Housekeep(ctx, rec.Path, catalog.Updates{
			UploadHash:            catalog.StrPtr(""),
			ClearRemoteExpiration: true,
		})
		if err != nil {
			r.logger.Warn("expired record not requeued", "path", rec.Path, "error", err.Error())
			continue
		}

		r.logger.Info("expired document requeued", "path", rec.Path)

		requeued++
	}

	return requeued, nil
}

// Classify walks the library root and compares every eligible file against
// the catalog: an mtime match within epsilon skips hashing; otherwise the
// content hash decides between unchanged and modified. Files absent from
// disk are marked missing with a first-seen timestamp, never deleted from
// the remote here.
func (r *Reconciler) Classify(ctx context.Context, dryRun bool) (*ChangeSet, error) {
	records, err := r.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*catalog.FileRecord, len(records))
	for _, rec := range records {
		byPath[rec.Path] = rec
	}

	cs := &ChangeSet{}
	seen := make(map[string]bool, len(records))

	walkErr := filepath.WalkDir(r.cfg.LibraryRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(r.cfg.LibraryRoot, path)
		if err != nil {
			return err
		}

		// NFC-normalized slash paths keep catalog keys stable across
		// platforms and filesystems.
		rel = norm.NFC.String(filepath.ToSlash(rel))

		if r.cfg.Eligible != nil && !r.cfg.Eligible(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		seen[rel] = true

		return r.classifyFile(ctx, cs, byPath[rel], rel, path, info, dryRun)
	})
	if walkErr != nil {
		return nil, fmt.Errorf("reconcile: walking library: %w", walkErr)
	}

	// Anything tracked but not on disk is missing.
	nowNano := r.now().UnixNano()

	var newlyMissing []string

	for path, rec := range byPath {
		if seen[path] || rec.Missing {
			continue
		}

		newlyMissing = append(newlyMissing, path)
	}

	if len(newlyMissing) > 0 {
		cs.Missing = newlyMissing

		if !dryRun {
			if err := r.store.MarkMissing(ctx, newlyMissing, nowNano); err != nil {
				return nil, fmt.Errorf("reconcile: marking missing: %w", err)
			}
		}
	}

	return cs, nil
}

// classifyFile resolves one on-disk file against its catalog record.
func (r *Reconciler) classifyFile(
	ctx context.Context, cs *ChangeSet, rec *catalog.FileRecord,
	rel, absPath string, info fs.FileInfo, dryRun bool,
) error {
	size := info.Size()
	mtime := float64(info.ModTime().UnixNano()) / 1e9

	if rec == nil {
		hash, err := hashFile(absPath)
		if err != nil {
			return err
		}

		cs.New = append(cs.New, rel)

		if dryRun {
			return nil
		}

		return r.store.InsertUntracked(ctx, &catalog.FileRecord{
			Path:        rel,
			ContentHash: hash,
			Size:        size,
			Mtime:       mtime,
			DesiredHash: hash,
		})
	}

	if rec.Missing && !dryRun {
		// The file is back; clear the missing bookkeeping.
		err := r.machine.Housekeep(ctx, rel, catalog.Updates{
			Missing:           catalog.BoolPtr(false),
			ClearMissingSince: true,
		})
		if err != nil {
			return err
		}

		cs.Reappeared++
	}

	// Fast path: matching mtime and size means unchanged without hashing.
	if size == rec.Size && absFloat(mtime-rec.Mtime) <= mtimeEpsilon {
		cs.MtimeSkipped++
		return nil
	}

	hash, err := hashFile(absPath)
	if err != nil {
		return err
	}

	if hash == rec.ContentHash {
		// Touched but identical; refresh the stat fields so the fast path
		// works next time.
		cs.Unchanged++

		if dryRun {
			return nil
		}

		return r.machine.Housekeep(ctx, rel, catalog.Updates{
			Size:  catalog.Int64Ptr(size),
			Mtime: &mtime,
		})
	}

	cs.Modified = append(cs.Modified, rel)

	if dryRun {
		return nil
	}

	return r.machine.Housekeep(ctx, rel, catalog.Updates{
		ContentHash: catalog.StrPtr(hash),
		DesiredHash: catalog.StrPtr(hash),
		Size:        catalog.Int64Ptr(size),
		Mtime:       &mtime,
	})
}

// PruneMissing deletes the remote artifacts and catalog rows of records
// missing longer than the configured window. Operator opt-in only.
func (r *Reconciler) PruneMissing(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.MissingWindow).UnixNano()

	stale, err := r.store.ListMissingSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if len(stale) == 0 {
		return 0, nil
	}

	if r.breakerOpen() {
		r.logger.Warn("prune skipped, circuit open", "records", len(stale))
		return 0, nil
	}

	pruned := 0

	for _, rec := range stale {
		if rec.RemoteDocID != "" {
			if err := r.client.DeleteDocument(ctx, r.cfg.Store, rec.RemoteDocID, true); err != nil {
				r.logger.Warn("prune delete failed", "path", rec.Path, "error", err.Error())
				continue
			}
		}

		if rec.RemoteRawID != "" {
			if err := r.client.DeleteRaw(ctx, rec.RemoteRawID); err != nil {
				r.logger.Warn("prune delete failed", "path", rec.Path, "error", err.Error())
				continue
			}
		}

		if err := r.store.DeleteRecord(ctx, rec.Path); err != nil {
			return pruned, fmt.Errorf("reconcile: deleting pruned record: %w", err)
		}

		r.logger.Info("missing record pruned", "path", rec.Path)

		pruned++
	}

	return pruned, nil
}

func (r *Reconciler) breakerOpen() bool {
	return r.breaker != nil && r.breaker.State() == rateguard.BreakerOpen
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}

	return f
}
