package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kon-rad/tviz/internal/app"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP ingest API",
	Long:  "Accepts runs, step metrics and rollouts over HTTP and writes them to the store until interrupted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != "" {
			cfg.Port = servePort
		}
		return app.New(cfg, nil, version).Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "listen port (default from TVIZ_PORT)")
	rootCmd.AddCommand(serveCmd)
}
