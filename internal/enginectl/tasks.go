package enginectl

import (
	"net/url"

	"github.com/spf13/cobra"

	"github.com/agentsdashboard/engine/internal/daemon/model"
)

func newTasksCommand() *cobra.Command {
	var repositoryID string

	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "List Tasks for a Repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if repositoryID != "" {
				q.Set("repository_id", repositoryID)
			}

			var tasks []model.Task
			if err := client().get(cmd.Context(), "/tasks", q, &tasks); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd, tasks)
			}

			rows := make([][]string, 0, len(tasks))
			for _, t := range tasks {
				enabled := "disabled"
				if t.Enabled {
					enabled = "enabled"
				}
				rows = append(rows, []string{t.ID, string(t.Kind), t.Harness, enabled})
			}
			cmd.Print(table([]string{"TASK ID", "KIND", "HARNESS", "STATUS"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&repositoryID, "repository", "", "Repository ID to list Tasks for")
	return cmd
}
