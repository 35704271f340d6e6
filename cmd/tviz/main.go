package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kon-rad/tviz/internal/config"
	"github.com/kon-rad/tviz/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "tviz",
	Short:         "Training telemetry store for RL and SFT runs",
	Long:          "Records per-step metrics and sampled rollouts of training runs in a SQLite file the dashboard reads.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		c, err := config.Load(cmd.Context())
		if err != nil {
			return err
		}
		cfg = c

		if _, err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
