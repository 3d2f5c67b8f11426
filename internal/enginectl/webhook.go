package enginectl

import (
	"net/http"

	"github.com/spf13/cobra"
)

func newWebhookCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "webhook <repository-id>",
		Short: "Replay a webhook event for a Repository's event-driven Tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Dispatched int `json:"dispatched"`
			}
			if err := client().do(cmd.Context(), http.MethodPost, "/webhooks/"+args[0], nil, nil, &result); err != nil {
				return err
			}
			cmd.Printf("dispatched %d run(s)\n", result.Dispatched)
			return nil
		},
	}
}
