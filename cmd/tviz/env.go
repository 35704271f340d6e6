package main

import (
	"github.com/spf13/cobra"

	"github.com/kon-rad/tviz/internal/config"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Describe the environment variables tviz reads",
	// Overrides the root hook so a broken environment can still be inspected.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		config.WriteHelp(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.AddCommand(envCmd)
}
