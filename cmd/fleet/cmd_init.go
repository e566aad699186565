package main

import (
	"fmt"
	"os"
	"path/filepath"

	"fleet/pkg/config"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "fleet init" subcommand.
func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the fleet home and a starter fleet.toml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath(cmd)
			if err != nil {
				return err
			}
			return runInit(cmd, path, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing fleet.toml")
	return cmd
}

func runInit(cmd *cobra.Command, cfgPath string, force bool) error {
	home := filepath.Dir(cfgPath)
	for _, dir := range []string{home, filepath.Join(home, "spool"), filepath.Join(home, "procs")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(cfgPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
	}
	if err := os.WriteFile(cfgPath, []byte(config.Starter), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", cfgPath, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "initialized fleet home at %s\n", home)
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
	return nil
}
