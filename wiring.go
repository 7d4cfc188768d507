package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/semindex/semindex/internal/catalog"
	"github.com/semindex/semindex/internal/config"
	"github.com/semindex/semindex/internal/credential"
	"github.com/semindex/semindex/internal/rateguard"
	"github.com/semindex/semindex/internal/reconcile"
	"github.com/semindex/semindex/internal/remote"
	"github.com/semindex/semindex/internal/uploader"
)

// toolchain bundles the collaborators a pipeline command needs. Commands
// that only read the catalog (status) open it directly instead.
type toolchain struct {
	cfg    *config.Resolved
	logger *slog.Logger

	catalog  *catalog.SQLite
	client   *remote.Client
	storeRes string // resolved store resource name
}

// newToolchain opens the catalog, builds the remote client over the keyring
// credential source, and establishes the store binding. The binding check
// runs against the catalog alone; a mismatch aborts before any remote call,
// and only a first bind or a forced rebind goes out to resolve the store.
func newToolchain(ctx context.Context, force bool) (*toolchain, error) {
	logger := buildLogger()
	slog.SetDefault(logger)

	cat, err := catalog.Open(resolvedCfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errStorage, err)
	}

	key := credential.New(resolvedCfg.KeyringService, resolvedCfg.KeyringUser)
	client := remote.NewClient(resolvedCfg.APIBaseURL, defaultHTTPClient(), key, logger)

	storeRes, err := resolveBinding(ctx, cat, client, resolvedCfg.Store, force, logger)
	if err != nil {
		cat.Close()

		return nil, err
	}

	return &toolchain{
		cfg:      resolvedCfg,
		logger:   logger,
		catalog:  cat,
		client:   client,
		storeRes: storeRes,
	}, nil
}

// storeResolver maps a configured store name or resource name to the
// canonical resource name with one remote lookup.
type storeResolver interface {
	ResolveStore(ctx context.Context, nameOrResource string) (string, error)
}

// resolveBinding enforces the persisted catalog-to-store binding. A
// configured store matching the bound name or resource reuses the stored
// resource without going remote; anything else is refused unless force
// rebinds it. The resolver runs only on a first bind or a forced rebind.
func resolveBinding(
	ctx context.Context, store catalog.Store, resolver storeResolver,
	configured string, force bool, logger *slog.Logger,
) (string, error) {
	boundRes, err := store.GetLibraryConfig(ctx, catalog.ConfigStoreBinding)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return "", fmt.Errorf("%w: reading store binding: %w", errStorage, err)
	}

	boundName, err := store.GetLibraryConfig(ctx, catalog.ConfigStoreBindingName)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return "", fmt.Errorf("%w: reading store binding: %w", errStorage, err)
	}

	if boundRes != "" {
		if configured == boundName || configured == boundRes {
			return boundRes, nil
		}

		if !force {
			return "", fmt.Errorf("%w: catalog bound to %q, configured %q",
				reconcile.ErrStoreBindingMismatch, boundName, configured)
		}

		logger.Warn("store binding override", "old", boundName, "new", configured)
	}

	res, err := resolver.ResolveStore(ctx, configured)
	if err != nil {
		return "", fmt.Errorf("resolving store %q: %w", configured, err)
	}

	if err := store.SetLibraryConfig(ctx, catalog.ConfigStoreBinding, res); err != nil {
		return "", fmt.Errorf("%w: persisting store binding: %w", errStorage, err)
	}

	if err := store.SetLibraryConfig(ctx, catalog.ConfigStoreBindingName, configured); err != nil {
		return "", fmt.Errorf("%w: persisting store binding: %w", errStorage, err)
	}

	if boundRes == "" {
		logger.Info("store binding recorded", "store", configured, "resource", res)
	}

	return res, nil
}

// newGuard creates a rate guard. Guard state (pacing, breaker window) is
// scoped to one pipeline invocation, so watch cycles get a fresh one each
// time instead of dragging stale breaker history across quiet periods.
func (t *toolchain) newGuard() *rateguard.Guard {
	return rateguard.New(rateguard.Config{
		RequestsPerMinute: t.cfg.RequestsPerMinute,
		MinInterval:       t.cfg.MinInterval,
	}, t.logger)
}

// Close releases the catalog.
func (t *toolchain) Close() {
	if err := t.catalog.Close(); err != nil {
		t.logger.Warn("closing catalog", "error", err)
	}
}

// reconciler builds the pre-upload consistency engine over the given guard.
func (t *toolchain) reconciler(guard *rateguard.Guard) *reconcile.Reconciler {
	return reconcile.New(reconcile.Config{
		LibraryRoot:   t.cfg.LibraryRoot,
		Store:         t.storeRes,
		MissingWindow: t.cfg.MissingWindow,
		Eligible:      extensionFilter(t.cfg.IncludeExtensions),
	}, t.catalog, t.client, guard, t.logger)
}

// orchestrator builds the upload dispatcher and hooks the breaker observer
// so an open breaker shrinks the dispatch width to one probe at a time. A
// positive limit caps how many pending records one batch draws from the
// catalog.
func (t *toolchain) orchestrator(guard *rateguard.Guard, limit int) *uploader.Orchestrator {
	orch := uploader.New(uploader.Config{
		Store:             t.storeRes,
		LibraryRoot:       t.cfg.LibraryRoot,
		BatchSize:         batchLimit(t.cfg.BatchSize, limit),
		Concurrency:       t.cfg.Concurrency,
		ImportTimeout:     t.cfg.ImportTimeout,
		VisibilityTimeout: t.cfg.VisibilityTimeout,
		RetryCooldown:     t.cfg.RetryCooldown,
	}, t.catalog, t.client, guard, t.logger)

	guard.OnStateChange(orch.BreakerObserver())

	return orch
}

// batchLimit applies the per-run record cap to the configured batch size.
func batchLimit(batch, limit int) int {
	if limit > 0 && limit < batch {
		return limit
	}

	return batch
}

// pidFilePath is the watch daemon lock file, scoped to the state directory
// so separate catalogs can run separate daemons.
func (t *toolchain) pidFilePath() string {
	return filepath.Join(t.cfg.StateDir, "watch.pid")
}

// extensionFilter builds the walk eligibility predicate from the configured
// extension list. An empty list admits every regular file.
func extensionFilter(exts []string) func(relPath string) bool {
	if len(exts) == 0 {
		return nil
	}

	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(ext)] = true
	}

	return func(relPath string) bool {
		return allowed[strings.ToLower(filepath.Ext(relPath))]
	}
}

// openCatalog opens just the catalog, for commands that never go remote.
func openCatalog() (*catalog.SQLite, *slog.Logger, error) {
	logger := buildLogger()
	slog.SetDefault(logger)

	cat, err := catalog.Open(resolvedCfg.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errStorage, err)
	}

	return cat, logger, nil
}
