package main

import (
	"fmt"

	"fleet/internal/buildinfo"

	"github.com/spf13/cobra"
)

// newVersionCmd creates the "fleet version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fleet version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "fleet %s\n", buildinfo.String())
			return nil
		},
	}
}
