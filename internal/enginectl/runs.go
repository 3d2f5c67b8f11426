package enginectl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/agentsdashboard/engine/internal/daemon/model"
)

func newRunsCommand() *cobra.Command {
	var repositoryID, taskID, state string

	cmd := &cobra.Command{
		Use:     "runs",
		Aliases: []string{"run"},
		Short:   "Inspect Runs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List Runs, optionally filtered",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if repositoryID != "" {
				q.Set("repository_id", repositoryID)
			}
			if taskID != "" {
				q.Set("task_id", taskID)
			}
			if state != "" {
				q.Set("state", state)
			}

			var runs []model.Run
			if err := client().get(cmd.Context(), "/runs", q, &runs); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd, runs)
			}

			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{r.ID, r.TaskID, stateStyle(string(r.State)), fmt.Sprintf("%d", r.Attempt), r.AssignedWorkerID})
			}
			cmd.Print(table([]string{"RUN ID", "TASK ID", "STATE", "ATTEMPT", "WORKER"}, rows))
			return nil
		},
	}
	list.Flags().StringVar(&repositoryID, "repository", "", "filter by Repository ID")
	list.Flags().StringVar(&taskID, "task", "", "filter by Task ID")
	list.Flags().StringVar(&state, "state", "", "filter by Run state")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one Run in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run model.Run
			if err := client().get(cmd.Context(), "/runs/"+args[0], nil, &run); err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func newApproveCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Approve a Run waiting in pending-approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				confirmed, err := confirmApproval(args[0])
				if err != nil {
					return err
				}
				if !confirmed {
					cmd.Println("aborted")
					return nil
				}
			}
			if err := client().post(cmd.Context(), "/runs/"+args[0]+"/approve", nil, nil); err != nil {
				return err
			}
			cmd.Println(styleOK.Render("approved") + " " + args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the interactive confirmation prompt")
	return cmd
}

func newRejectCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <run-id>",
		Short: "Reject a Run waiting in pending-approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if reason != "" {
				q.Set("reason", reason)
			}
			if err := client().do(cmd.Context(), http.MethodPost, "/runs/"+args[0]+"/reject", q, nil, nil); err != nil {
				return err
			}
			cmd.Println(styleError.Render("rejected") + " " + args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason recorded on the Run")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
