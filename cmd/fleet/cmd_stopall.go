package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStopAllCmd creates the "fleet stop-all" subcommand.
func newStopAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Emergency-stop every stoppable process and requeue in-flight work",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var res struct {
				StoppedProcesses int   `json:"stoppedProcesses"`
				CancelledRuns    int   `json:"cancelledRuns"`
				RequeuedTasks    int   `json:"requeuedTasks"`
				KilledOrphans    []int `json:"killedOrphans"`
			}
			client := newControlClient(cfg)
			if err := client.do(cmd.Context(), "POST", "/stop-all", nil, &res); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "stopped processes: %d\n", res.StoppedProcesses)
			fmt.Fprintf(w, "cancelled runs:    %d\n", res.CancelledRuns)
			fmt.Fprintf(w, "requeued tasks:    %d\n", res.RequeuedTasks)
			fmt.Fprintf(w, "killed orphans:    %d\n", len(res.KilledOrphans))
			return nil
		},
	}
}
