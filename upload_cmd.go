package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

// Flags for the upload command.
var flagUploadLimit int

// newUploadCmd builds the upload command: dispatch pending records from the
// catalog without walking the library first. Useful after a prior sync
// classified changes, or to resume a partially failed batch.
func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload pending records without re-scanning the library",
		Args:  cobra.NoArgs,
		RunE:  runUpload,
	}

	cmd.Flags().IntVar(&flagUploadLimit, "limit", 0, "cap how many pending records this run uploads")

	return cmd
}

func runUpload(cmd *cobra.Command, _ []string) error {
	tc, err := newToolchain(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer tc.Close()

	orch := tc.orchestrator(tc.newGuard(), flagUploadLimit)
	ctx := shutdownContext(cmd.Context(), tc.logger, orch.StopAccepting)

	rep, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		renderReport(os.Stdout, rep)
	}

	return reportError(rep)
}
