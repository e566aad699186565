package main

import (
	"fmt"
	"time"

	"fleet/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newLogsCmd creates the "fleet logs" subcommand.
func newLogsCmd() *cobra.Command {
	var (
		eventType string
		entityID  string
		since     time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the fleet event log",
		Long:  "Displays audit events: dispatches, lane throttles, judge verdicts,\nsupervisor actions. Newest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			reader, err := eventlog.NewReader(cfg.DBPath())
			if err != nil {
				return err
			}
			defer reader.Close()

			opts := eventlog.QueryOpts{
				EventType: eventType,
				EntityID:  entityID,
				Limit:     limit,
			}
			if since > 0 {
				after := time.Now().Add(-since)
				opts.After = &after
			}

			events, err := reader.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no events found")
				return nil
			}

			for _, ev := range events {
				line := fmt.Sprintf("%s  %-32s %s/%s",
					ev.CreatedAt.Format(time.RFC3339), ev.Type, ev.EntityType, ev.EntityID)
				if ev.Payload != "" {
					line += "  " + ev.Payload
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type (e.g. dispatcher.lane_throttled)")
	cmd.Flags().StringVar(&entityID, "entity", "", "filter by task, run, or process ID")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}
