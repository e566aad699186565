package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// startPayload mirrors the control surface's start body.
type startPayload struct {
	RequirementPath string `json:"requirementPath,omitempty"`
	Content         string `json:"content,omitempty"`
	ResearchJobID   string `json:"researchJobId,omitempty"`
}

// newStartCmd creates the "fleet start" subcommand.
func newStartCmd() *cobra.Command {
	var (
		requirement string
		content     string
		researchJob string
	)
	cmd := &cobra.Command{
		Use:   "start <process>",
		Short: "Start a managed process through the daemon",
		Long:  "Asks the daemon's supervisor to start a registered process.\nThe planner accepts at most one of --requirement, --content, or --research-job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var payload *startPayload
			if requirement != "" || content != "" || researchJob != "" {
				payload = &startPayload{
					RequirementPath: requirement,
					Content:         content,
					ResearchJobID:   researchJob,
				}
			}

			client := newControlClient(cfg)
			name := args[0]
			if err := client.do(cmd.Context(), "POST", "/processes/"+name+"/start", payload, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&requirement, "requirement", "", "path to a requirement document for the planner")
	cmd.Flags().StringVar(&content, "content", "", "inline requirement content for the planner")
	cmd.Flags().StringVar(&researchJob, "research-job", "", "research job ID for the planner")
	return cmd
}
