package enginectl

import (
	"github.com/spf13/cobra"
)

// pruneReport mirrors retention.Report's JSON shape without importing the
// daemon-internal retention package into the CLI binary.
type pruneReport struct {
	RunsScanned   int
	RunsPruned    int
	EventsDeleted int64
	DiffsDeleted  int64
	ToolsDeleted  int64
}

func newPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Trigger an out-of-cycle retention prune",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report pruneReport
			if err := client().post(cmd.Context(), "/prune", nil, &report); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd, report)
			}
			cmd.Printf("pruned %d runs, deleted %d events\n", report.RunsPruned, report.EventsDeleted)
			return nil
		},
	}
}
