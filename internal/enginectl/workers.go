package enginectl

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsdashboard/engine/internal/daemon/model"
)

func newWorkersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered Workers and their slot usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			var workers []model.Worker
			if err := client().get(cmd.Context(), "/workers", nil, &workers); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd, workers)
			}

			rows := make([][]string, 0, len(workers))
			now := time.Now().UTC()
			for _, w := range workers {
				health := styleOK.Render("healthy")
				if !w.Healthy(now, 2*time.Minute) {
					health = styleError.Render("unhealthy")
				}
				rows = append(rows, []string{w.ID, w.Endpoint, fmt.Sprintf("%d/%d", w.ActiveSlots, w.MaxSlots), health})
			}
			cmd.Print(table([]string{"WORKER ID", "ENDPOINT", "SLOTS", "HEALTH"}, rows))
			return nil
		},
	}
}
