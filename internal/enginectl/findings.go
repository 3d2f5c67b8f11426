package enginectl

import (
	"net/url"

	"github.com/spf13/cobra"

	"github.com/agentsdashboard/engine/internal/daemon/model"
)

func newFindingsCommand() *cobra.Command {
	var repositoryID string

	cmd := &cobra.Command{
		Use:   "findings",
		Short: "List Findings for a Repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if repositoryID != "" {
				q.Set("repository_id", repositoryID)
			}

			var findings []model.Finding
			if err := client().get(cmd.Context(), "/findings", q, &findings); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd, findings)
			}

			rows := make([][]string, 0, len(findings))
			for _, f := range findings {
				rows = append(rows, []string{f.ID, string(f.State), f.Severity, f.Title})
			}
			cmd.Print(table([]string{"FINDING ID", "STATE", "SEVERITY", "TITLE"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&repositoryID, "repository", "", "Repository ID to list Findings for")
	return cmd
}
