package main

import (
	"fmt"
	"os"
	"path/filepath"

	"fleet/pkg/config"

	"github.com/spf13/cobra"
)

// resolveConfigPath returns the fleet.toml location: the --config flag if
// set, otherwise $FLEET_HOME/fleet.toml, otherwise ~/.fleet/fleet.toml.
func resolveConfigPath(cmd *cobra.Command) (string, error) {
	if path, err := cmd.Flags().GetString("config"); err == nil && path != "" {
		return path, nil
	}
	if home := os.Getenv("FLEET_HOME"); home != "" {
		return filepath.Join(home, "fleet.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".fleet", "fleet.toml"), nil
}

// loadConfig resolves and loads the configuration for a subcommand.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := resolveConfigPath(cmd)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// pidPath is where the daemon records its PID.
func pidPath(cfg config.Config) string {
	return filepath.Join(cfg.Home, "fleet.pid")
}
