package enginectl

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	flagAddr      string
	flagSocket    string
	flagTimeout   time.Duration
	flagJSON      bool
	sharedVersion string
	sharedCommit  string
	sharedBuild   string
)

// SetVersion records build-time version metadata for the `version` command.
func SetVersion(version, commit, buildDate string) {
	sharedVersion, sharedCommit, sharedBuild = version, commit, buildDate
}

func client() *Client {
	return NewClient(flagAddr, flagSocket, flagTimeout)
}

// NewRootCommand builds the enginectl root command and its full subcommand
// tree: run/task/finding/worker inspection, run approval and rejection, an
// out-of-cycle prune trigger, webhook replay, Provider Secret storage, and
// version reporting.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "enginectl",
		Short:         "Operator CLI for the engine daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:4601", "engined control-plane TCP address")
	cmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "engined control-plane Unix socket path (overrides --addr)")
	cmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output raw JSON instead of a table")

	cmd.AddCommand(newRunsCommand())
	cmd.AddCommand(newApproveCommand())
	cmd.AddCommand(newRejectCommand())
	cmd.AddCommand(newTasksCommand())
	cmd.AddCommand(newFindingsCommand())
	cmd.AddCommand(newWorkersCommand())
	cmd.AddCommand(newPruneCommand())
	cmd.AddCommand(newWebhookCommand())
	cmd.AddCommand(newSecretsCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newFlagsCommand(cmd))

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print enginectl version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("enginectl %s (commit: %s, built: %s)\n", sharedVersion, sharedCommit, sharedBuild)
			return nil
		},
	}
}
