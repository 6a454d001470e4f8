package commands

import (
	"github.com/spf13/cobra"
	"go.trai.ch/forge/internal/app"
)

func (c *CLI) newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker [address]",
		Short: "Serve jobs of a remote scheduler",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			workers, _ := cmd.Flags().GetInt("workers")

			opts := app.WorkOptions{
				ConfigPath: configPath(cmd),
				Name:       name,
				Workers:    workers,
			}
			if len(args) == 1 {
				opts.Remote = args[0]
			}
			return c.app.Work(cmd.Context(), opts)
		},
	}
	cmd.Flags().String("name", "", "Name announced to the scheduler (defaults to the hostname)")
	cmd.Flags().IntP("workers", "j", 0, "Number of workers (defaults to the configured value)")
	return cmd
}
