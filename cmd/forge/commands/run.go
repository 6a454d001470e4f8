package commands

import (
	"github.com/spf13/cobra"
	"go.trai.ch/forge/internal/app"
)

func (c *CLI) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [graph]",
		Short: "Evaluate a graph file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				// Display command usage help without returning an error
				_ = cmd.Help()
				return nil
			}
			remote, _ := cmd.Flags().GetString("remote")
			name, _ := cmd.Flags().GetString("name")
			workers, _ := cmd.Flags().GetInt("workers")
			cacheMode, _ := cmd.Flags().GetString("cache")
			noCache, _ := cmd.Flags().GetBool("no-cache")
			keep, _ := cmd.Flags().GetBool("keep-sandboxes")
			status, _ := cmd.Flags().GetDuration("status")

			// --no-cache is shorthand for --cache=nothing
			if noCache {
				cacheMode = "nothing"
			}

			return c.app.Run(cmd.Context(), args[0], app.RunOptions{
				ConfigPath:     configPath(cmd),
				Remote:         remote,
				Name:           name,
				Workers:        workers,
				CacheMode:      cacheMode,
				KeepSandboxes:  keep,
				StatusInterval: status,
			})
		},
	}
	cmd.Flags().StringP("remote", "r", "", "Evaluate on the scheduler at this address instead of in process")
	cmd.Flags().String("name", "", "Name announced to a remote scheduler (defaults to the hostname)")
	cmd.Flags().IntP("workers", "j", 0, "Number of local workers (defaults to the configured value)")
	cmd.Flags().String("cache", "", "Cache mode: all, nothing, or a comma separated list of tags to exclude")
	cmd.Flags().BoolP("no-cache", "n", false, "Bypass the result cache and force execution")
	cmd.Flags().Bool("keep-sandboxes", false, "Keep sandbox directories after execution")
	cmd.Flags().Duration("status", 0, "Log the scheduler status at this interval")
	return cmd
}
