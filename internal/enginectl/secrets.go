package enginectl

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage Provider Secrets",
	}
	cmd.AddCommand(newSecretsSetCommand())
	return cmd
}

func newSecretsSetCommand() *cobra.Command {
	var repositoryID, provider string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a Provider Secret, prompting for its value without echoing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repositoryID == "" || provider == "" {
				return fmt.Errorf("enginectl: --repository and --provider are required")
			}

			value, err := readSecretValue(cmd)
			if err != nil {
				return err
			}

			body := map[string]string{
				"repository_id": repositoryID,
				"provider":      provider,
				"value":         value,
			}
			if err := client().do(cmd.Context(), http.MethodPost, "/secrets", nil, body, nil); err != nil {
				return err
			}
			cmd.Println(styleOK.Render("stored") + " secret for " + provider)
			return nil
		},
	}
	cmd.Flags().StringVar(&repositoryID, "repository", "", "Repository ID the secret is scoped to")
	cmd.Flags().StringVar(&provider, "provider", "", "Provider name, e.g. \"anthropic\"")
	return cmd
}

// readSecretValue prompts on the controlling terminal with echo disabled,
// keeping credentials out of shell history or scrollback.
func readSecretValue(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), "secret value: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return "", fmt.Errorf("enginectl: read secret value: %w", err)
	}
	return string(raw), nil
}
