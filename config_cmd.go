package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/semindex/semindex/internal/config"
)

// Flags for config init.
var (
	flagInitLibrary string
	flagInitStore   string
	flagInitAPIURL  string
)

// newConfigCmd builds the config command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the semindex configuration file",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// newConfigInitCmd builds config init: write a starter config file with the
// three required connection settings filled in and every tuning knob
// present as a commented-out default.
func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	}

	cmd.Flags().StringVar(&flagInitLibrary, "library", "", "library root directory (required)")
	cmd.Flags().StringVar(&flagInitStore, "store", "", "target store (required)")
	cmd.Flags().StringVar(&flagInitAPIURL, "api-url", "", "backend API root (required)")

	return cmd
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	if flagInitLibrary == "" || flagInitStore == "" || flagInitAPIURL == "" {
		return fmt.Errorf("%w: --library, --store, and --api-url are required", errUsage)
	}

	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if err := config.WriteInitial(path, flagInitLibrary, flagInitStore, flagInitAPIURL); err != nil {
		return err
	}

	statusf("wrote %s\n", path)

	return nil
}

// newConfigShowCmd builds config show: render the effective configuration
// after all override layers.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return config.RenderEffective(resolvedCfg, os.Stdout)
		},
	}
}
