package main

import (
	"fmt"

	"fleet/internal/buildinfo"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root fleet command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleet",
		Short:         "Fleet build/review orchestrator",
		Long:          "fleet is the single entry point for the fleet orchestrator.\nIt runs the dispatch, judge, and supervisor loops and the operator control surface.",
		Version:       fmt.Sprintf("fleet %s", buildinfo.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().String("config", "", "path to fleet.toml (default $FLEET_HOME/fleet.toml)")

	cmd.AddCommand(
		newInitCmd(),
		newDaemonCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newProcessesCmd(),
		newStopAllCmd(),
		newDashCmd(),
		newLogsCmd(),
		newVersionCmd(),
	)

	return cmd
}
