package commands

import (
	"github.com/spf13/cobra"
	"go.trai.ch/forge/internal/app"
)

func (c *CLI) newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a scheduler that clients and workers connect to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			listen, _ := cmd.Flags().GetString("listen")
			allowed, _ := cmd.Flags().GetStringSlice("allow")
			logJobs, _ := cmd.Flags().GetBool("log-jobs")

			opts := app.ServeOptions{
				ConfigPath: configPath(cmd),
				Listen:     listen,
				Allowed:    allowed,
				LogJobs:    logJobs,
			}
			if cmd.Flags().Changed("idle-timeout") {
				idle, _ := cmd.Flags().GetDuration("idle-timeout")
				opts.IdleTimeout = &idle
			}
			return c.app.Serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringP("listen", "l", "", "Address to listen on, host:port or unix:///path")
	cmd.Flags().StringSlice("allow", nil, "Peer names allowed to connect (defaults to everyone)")
	cmd.Flags().Duration("idle-timeout", 0, "Shut down after this long without peers (0 disables)")
	cmd.Flags().Bool("log-jobs", false, "Log every finished job")
	return cmd
}
