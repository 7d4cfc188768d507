package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/semindex/semindex/internal/reconcile"
	"github.com/semindex/semindex/internal/uploader"
)

// debounceQuiet is the quiet period after the last filesystem event before
// a sync cycle starts. Editors write in bursts; one cycle per burst.
const debounceQuiet = 2 * time.Second

// newWatchCmd builds the watch command: a long-running daemon that reacts
// to filesystem events under the library root with reconcile+upload cycles.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the library and sync on changes",
		Long: "Runs until interrupted. Filesystem events under the library root are\n" +
			"debounced into sync cycles. A PID file under the state directory prevents\n" +
			"two daemons from sharing one catalog.",
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	tc, err := newToolchain(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer tc.Close()

	cleanup, err := writePIDFile(tc.pidFilePath())
	if err != nil {
		return err
	}
	defer cleanup()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchTree(watcher, tc.cfg.LibraryRoot); err != nil {
		return err
	}

	// The active orchestrator, for the drain signal. Nil between cycles.
	var active atomic.Pointer[uploader.Orchestrator]

	stop := make(chan struct{})

	var stopOnce sync.Once

	ctx := shutdownContext(cmd.Context(), tc.logger, func() {
		stopOnce.Do(func() { close(stop) })

		if orch := active.Load(); orch != nil {
			orch.StopAccepting()
		}
	})

	// Initial cycle picks up whatever changed while the daemon was down.
	runCycle(ctx, tc, &active)

	debounce := time.NewTimer(debounceQuiet)
	if !debounce.Stop() {
		<-debounce.C
	}

	tc.logger.Info("watching library", "root", tc.cfg.LibraryRoot)

	for {
		select {
		case <-stop:
			tc.logger.Info("watch stopped")

			return nil

		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			// New directories must be added to the watch before their
			// contents produce events.
			if ev.Op.Has(fsnotify.Create) {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := watchTree(watcher, ev.Name); addErr != nil {
						tc.logger.Warn("watching new directory", "path", ev.Name, "error", addErr)
					}
				}
			}

			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}

			debounce.Reset(debounceQuiet)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			tc.logger.Warn("watcher error", "error", watchErr)

		case <-debounce.C:
			runCycle(ctx, tc, &active)
		}
	}
}

// runCycle executes one reconcile+upload cycle. Failures are logged, not
// fatal: the daemon keeps watching and the next cycle retries.
func runCycle(ctx context.Context, tc *toolchain, active *atomic.Pointer[uploader.Orchestrator]) {
	guard := tc.newGuard()
	orch := tc.orchestrator(guard, 0)

	active.Store(orch)
	defer active.Store(nil)

	res, err := tc.reconciler(guard).Run(ctx, reconcile.Options{})
	if err != nil {
		tc.logger.Error("reconcile cycle failed", "error", err)

		return
	}

	rep, err := orch.Run(ctx)
	if err != nil {
		tc.logger.Error("upload cycle failed", "error", err)

		return
	}

	tc.logger.Info("cycle complete",
		"new", len(res.Changes.New),
		"modified", len(res.Changes.Modified),
		"indexed", rep.Indexed,
		"failed", rep.Failed,
		"skipped", rep.Skipped,
	)
}

// watchTree registers root and every directory under it with the watcher.
func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}

		return nil
	})
}
