package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/chorus/internal/config"
)

func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chorus",
		Short:         "Group chat assistant core",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().String("settings", "", "Settings file path (overrides SETTINGS_FILE).")
	cmd.PersistentFlags().String("data-dir", "", "Data directory (overrides DATA_DIR).")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCompleteCmd())

	return cmd
}

// loadConfig reads the environment and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); strings.TrimSpace(v) != "" {
		cfg.DataDir = strings.TrimSpace(v)
		if strings.TrimSpace(os.Getenv("SETTINGS_FILE")) == "" {
			cfg.SettingsFile = ""
		}
	}
	if v, _ := cmd.Flags().GetString("settings"); strings.TrimSpace(v) != "" {
		cfg.SettingsFile = strings.TrimSpace(v)
	}
	if cfg.SettingsFile == "" {
		cfg.SettingsFile = config.DefaultSettingsFile(cfg.DataDir)
	}
	return cfg, nil
}
