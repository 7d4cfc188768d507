package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/semindex/semindex/internal/reconcile"
	"github.com/semindex/semindex/internal/uploader"
)

// Flags for the sync command.
var (
	flagSyncDryRun bool
	flagSyncForce  bool
	flagSyncPrune  bool
	flagSyncLimit  int
)

// newSyncCmd builds the sync command: reconcile the catalog against the
// library, then upload everything pending.
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the library and upload pending documents",
		Long: "Checks the library mount and store binding, drains orphaned remote artifacts,\n" +
			"classifies local changes, and uploads every record that needs indexing.",
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().BoolVar(&flagSyncDryRun, "dry-run", false, "classify changes without writing anything")
	cmd.Flags().BoolVar(&flagSyncForce, "force", false, "rebind the catalog if the store binding mismatches")
	cmd.Flags().BoolVar(&flagSyncPrune, "prune-missing", false, "delete records (and remote artifacts) missing longer than the window")
	cmd.Flags().IntVar(&flagSyncLimit, "limit", 0, "cap how many pending records this run uploads")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	tc, err := newToolchain(cmd.Context(), flagSyncForce)
	if err != nil {
		return err
	}
	defer tc.Close()

	guard := tc.newGuard()
	orch := tc.orchestrator(guard, flagSyncLimit)
	ctx := shutdownContext(cmd.Context(), tc.logger, orch.StopAccepting)

	res, err := tc.reconciler(guard).Run(ctx, reconcile.Options{
		DryRun:       flagSyncDryRun,
		Force:        flagSyncForce,
		PruneMissing: flagSyncPrune,
	})
	if err != nil {
		return err
	}

	if flagSyncDryRun {
		return renderSyncOutput(os.Stdout, res, nil)
	}

	rep, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	if err := renderSyncOutput(os.Stdout, res, rep); err != nil {
		return err
	}

	return reportError(rep)
}

// syncOutput is the JSON shape of one sync run.
type syncOutput struct {
	Reconcile *reconcile.Result `json:"reconcile"`
	Upload    *uploader.Report  `json:"upload,omitempty"`
}

// renderSyncOutput prints the reconcile result and upload report, as JSON
// when --json is set and as a human summary otherwise.
func renderSyncOutput(w io.Writer, res *reconcile.Result, rep *uploader.Report) error {
	if flagJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(syncOutput{Reconcile: res, Upload: rep})
	}

	renderChanges(w, res)

	if rep != nil {
		renderReport(w, rep)
	}

	return nil
}

// renderChanges prints the human-readable reconcile summary.
func renderChanges(w io.Writer, res *reconcile.Result) {
	cs := res.Changes

	fmt.Fprintf(w, "Reconcile: %d new, %d modified, %d missing, %d unchanged (%d via mtime), %d reappeared\n",
		len(cs.New), len(cs.Modified), len(cs.Missing), cs.Unchanged+cs.MtimeSkipped, cs.MtimeSkipped, cs.Reappeared)

	if res.OrphansCleared > 0 || res.Requeued > 0 || res.Pruned > 0 {
		fmt.Fprintf(w, "Cleanup: %d orphans cleared, %d expired requeued, %d pruned\n",
			res.OrphansCleared, res.Requeued, res.Pruned)
	}
}

// renderReport prints the human-readable upload summary plus per-record
// failure reasons.
func renderReport(w io.Writer, rep *uploader.Report) {
	fmt.Fprintf(w, "Upload: %d indexed, %d unchanged, %d skipped, %d failed",
		rep.Indexed, rep.Unchanged, rep.Skipped, rep.Failed)

	if rep.Retried > 0 {
		fmt.Fprintf(w, ", %d retried", rep.Retried)
	}

	if rep.Recovered > 0 {
		fmt.Fprintf(w, ", %d recovered", rep.Recovered)
	}

	if rep.UploadedBytes > 0 {
		fmt.Fprintf(w, " (%s)", formatSize(rep.UploadedBytes))
	}

	fmt.Fprintln(w)

	for _, f := range rep.Failures {
		fmt.Fprintf(w, "  failed: %s: %s\n", f.Path, f.Reason)
	}
}

// reportError maps a finished report to the invocation error: failed
// records exit non-zero, and a batch that only got skipped exits with the
// throttling code so schedulers can back off.
func reportError(rep *uploader.Report) error {
	if rep.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", errBatchFailed, rep.Failed,
			rep.Indexed+rep.Unchanged+rep.Skipped+rep.Failed)
	}

	if rep.Skipped > 0 && rep.Indexed == 0 && rep.Unchanged == 0 {
		return errAllThrottled
	}

	return nil
}
