package main

import (
	"fmt"

	"corral/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root corral command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var gf globalFlags

	cmd := &cobra.Command{
		Use:   "corral",
		Short: "Run coding agents in parallel terminal sessions",
		Long: `corral spawns interactive agent CLIs in tmux (or pty) sessions, hands
each a task, watches the terminal until the agent is done and tears the
session down again.

Configuration lives in $CORRAL_HOME/config.toml (default ~/.corral).`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("corral {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&gf.driver, "driver", "", "worker host: tmux or pty (default from config)")
	cmd.PersistentFlags().StringVar(&gf.logLevel, "log-level", "", "diagnostic log level: debug, info, warn, error")

	cmd.AddCommand(
		newParallelCmd(&gf),
		newRedundantCmd(&gf),
		newPipelineCmd(&gf),
		newBgCmd(&gf),
		newCheckCmd(&gf),
		newKillCmd(&gf),
		newAttachCmd(&gf),
		newRunsCmd(&gf),
		newLsCmd(&gf),
		newCleanupCmd(&gf),
		newEventsCmd(),
		newDashCmd(),
		newVersionCmd(),
	)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the corral version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "corral %s\n", version.String())
		},
	}
}
