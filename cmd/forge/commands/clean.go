package commands

import (
	"github.com/spf13/cobra"
	"go.trai.ch/forge/internal/app"
)

func (c *CLI) newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove the content store, the result cache and kept sandboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sandboxes, _ := cmd.Flags().GetBool("sandboxes")
			all, _ := cmd.Flags().GetBool("all")

			opts := app.CleanOptions{ConfigPath: configPath(cmd)}
			switch {
			case all:
				opts.Cache = true
				opts.Sandboxes = true
			case sandboxes:
				opts.Sandboxes = true
			default:
				// Default behavior: clean the caches
				opts.Cache = true
			}

			return c.app.Clean(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolP("sandboxes", "s", false, "Remove kept sandbox directories only")
	cmd.Flags().BoolP("all", "a", false, "Remove caches and sandboxes")

	return cmd
}
