package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newProcessesCmd creates the "fleet processes" subcommand.
func newProcessesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processes",
		Short: "List managed processes and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var procs []struct {
				Name          string `json:"name"`
				Kind          string `json:"kind"`
				Status        string `json:"status"`
				PID           int    `json:"pid"`
				StopRequested bool   `json:"stopRequested"`
			}
			client := newControlClient(cfg)
			if err := client.do(cmd.Context(), "GET", "/processes", nil, &procs); err != nil {
				return err
			}

			if len(procs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no processes registered")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tSTATUS\tPID")
			for _, p := range procs {
				status := p.Status
				if p.StopRequested {
					status += " (stop requested)"
				}
				pid := "-"
				if p.PID != 0 {
					pid = fmt.Sprintf("%d", p.PID)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Kind, status, pid)
			}
			return tw.Flush()
		},
	}
}
