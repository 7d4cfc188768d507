package main

import (
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/semindex/semindex/internal/catalog"
)

// newStatusCmd builds the status command: per-state record counts plus the
// housekeeping backlogs. Reads only the catalog; works offline.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show catalog state counts and pending housekeeping",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cat, _, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	counts, err := cat.CountByState(cmd.Context())
	if err != nil {
		return err
	}

	return renderStatus(os.Stdout, counts)
}

// statusStates fixes the display order of lifecycle states.
var statusStates = []catalog.State{
	catalog.StateUntracked,
	catalog.StateUploading,
	catalog.StateProcessing,
	catalog.StateIndexed,
	catalog.StateFailed,
}

// statusOutput is the JSON shape of the status command.
type statusOutput struct {
	States      map[string]int `json:"states"`
	Missing     int            `json:"missing"`
	Orphans     int            `json:"orphans"`
	OpenIntents int            `json:"open_intents"`
}

// renderStatus prints state counts as JSON or an aligned table.
func renderStatus(w io.Writer, counts *catalog.StateCounts) error {
	if flagJSON {
		out := statusOutput{
			States:      make(map[string]int, len(statusStates)),
			Missing:     counts.Missing,
			Orphans:     counts.Orphans,
			OpenIntents: counts.OpenIntents,
		}
		for _, s := range statusStates {
			out.States[string(s)] = counts.ByState[s]
		}

		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	rows := make([][]string, 0, len(statusStates)+3)
	for _, s := range statusStates {
		rows = append(rows, []string{string(s), strconv.Itoa(counts.ByState[s])})
	}

	rows = append(rows,
		[]string{"missing", strconv.Itoa(counts.Missing)},
		[]string{"orphans", strconv.Itoa(counts.Orphans)},
		[]string{"open intents", strconv.Itoa(counts.OpenIntents)},
	)

	printTable(w, []string{"STATE", "COUNT"}, rows)

	return nil
}
