package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/semindex/semindex/internal/catalog"
	"github.com/semindex/semindex/internal/fsm"
)

// Flags for the retry-failed command.
var flagRetryRun bool

// newRetryFailedCmd builds the retry-failed command: move every failed
// record back to untracked so the next upload picks it up. Attempt counters
// are preserved for operator visibility.
func newRetryFailedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Requeue failed records for another upload attempt",
		Args:  cobra.NoArgs,
		RunE:  runRetryFailed,
	}

	cmd.Flags().BoolVar(&flagRetryRun, "run", false, "upload immediately after requeueing")

	return cmd
}

func runRetryFailed(cmd *cobra.Command, _ []string) error {
	if flagRetryRun {
		return retryAndRun(cmd)
	}

	cat, logger, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	count, err := retryFailed(cmd.Context(), cat, logger)
	if err != nil {
		return err
	}

	statusf("requeued %d failed record(s)\n", count)

	return nil
}

func retryAndRun(cmd *cobra.Command) error {
	tc, err := newToolchain(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer tc.Close()

	count, err := retryFailed(cmd.Context(), tc.catalog, tc.logger)
	if err != nil {
		return err
	}

	statusf("requeued %d failed record(s)\n", count)

	orch := tc.orchestrator(tc.newGuard(), 0)
	ctx := shutdownContext(cmd.Context(), tc.logger, orch.StopAccepting)

	rep, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	renderReport(os.Stdout, rep)

	return reportError(rep)
}

// retryFailed walks every failed record through the retry edge, clearing
// remote references and the error reason while keeping the attempt count.
func retryFailed(ctx context.Context, store catalog.Store, logger *slog.Logger) (int, error) {
	machine := fsm.New(store, logger)

	recs, err := store.ListRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing records: %w", err)
	}

	count := 0

	for _, rec := range recs {
		if rec.State != catalog.StateFailed {
			continue
		}

		_, snap, intent, err := machine.Begin(ctx, rec.Path, fsm.EventRetry)
		if err != nil {
			return count, fmt.Errorf("requeueing %s: %w", rec.Path, err)
		}

		up := fsm.RetryUpdates()
		up.IntentID = intent.ID
		up.IntentOutcome = catalog.IntentCommitted

		if err := machine.Commit(ctx, snap, fsm.EventRetry, up); err != nil {
			return count, fmt.Errorf("requeueing %s: %w", rec.Path, err)
		}

		count++
	}

	return count, nil
}
