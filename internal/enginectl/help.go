package enginectl

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// flagMetadata describes one flag for the `enginectl flags` JSON dump,
// grounded on this codebase's prior CommandMetadata/FlagMetadata extraction
// (cobra command introspection via pflag.Flag.VisitAll) used to generate
// its docs-site command reference.
type flagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default"`
}

type commandMetadata struct {
	Name        string         `json:"name"`
	Short       string         `json:"short"`
	Flags       []flagMetadata `json:"flags,omitempty"`
	Subcommands []string       `json:"subcommands,omitempty"`
}

func extractFlags(fs *pflag.FlagSet) []flagMetadata {
	var flags []flagMetadata
	fs.VisitAll(func(flag *pflag.Flag) {
		if flag.Hidden {
			return
		}
		flags = append(flags, flagMetadata{
			Name:      flag.Name,
			Shorthand: flag.Shorthand,
			Usage:     flag.Usage,
			Default:   flag.DefValue,
		})
	})
	return flags
}

func extractCommandMetadata(cmd *cobra.Command) commandMetadata {
	meta := commandMetadata{
		Name:  cmd.Name(),
		Short: cmd.Short,
		Flags: extractFlags(cmd.Flags()),
	}
	for _, sub := range cmd.Commands() {
		if !sub.Hidden {
			meta.Subcommands = append(meta.Subcommands, sub.Name())
		}
	}
	return meta
}

// newFlagsCommand reports every command's flags as JSON, for generating
// external docs or shell-completion metadata without scraping --help text.
func newFlagsCommand(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:    "flags",
		Short:  "Print flag metadata for every command as JSON",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var metas []commandMetadata
			var walk func(c *cobra.Command)
			walk = func(c *cobra.Command) {
				metas = append(metas, extractCommandMetadata(c))
				for _, sub := range c.Commands() {
					walk(sub)
				}
			}
			walk(root)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(metas)
		},
	}
}
