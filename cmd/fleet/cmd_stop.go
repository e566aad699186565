package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "fleet stop" subcommand. With a process name it
// stops that process through the daemon; with no argument it signals the
// daemon itself.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [process]",
		Short: "Stop a managed process, or the daemon itself",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				name := args[0]
				client := newControlClient(cfg)
				if err := client.do(cmd.Context(), "POST", "/processes/"+name+"/stop", nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", name)
				return nil
			}

			pidFile := pidPath(cfg)
			status, pid, err := checkDaemon(pidFile)
			if err != nil {
				return err
			}
			switch status {
			case daemonStopped:
				fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
				return nil
			case daemonStale:
				fmt.Fprintln(cmd.OutOrStdout(), "removing stale PID file (process already dead)")
				return removePIDFile(pidFile)
			case daemonRunning:
				fmt.Fprintf(cmd.OutOrStdout(), "sending SIGTERM to daemon (PID %d)\n", pid)
				if err := signalDaemon(pidFile); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "stop signal sent")
				return nil
			}
			return nil
		},
	}
}
