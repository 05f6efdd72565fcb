package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/iksnae/cursor-relay/internal"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Start the OpenAI-compatible HTTP server.

Endpoints:
  POST /v1/chat/completions    Relay a conversation to the agent
  GET  /v1/models              List available models
  GET  /health                 Liveness probe

The server runs until interrupted and shuts down gracefully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := internal.LoadConfig()
		if cmd.Flags().Changed("host") {
			cfg.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = servePort
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		server, err := internal.NewServer(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize server: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return server.ListenAndServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "0.0.0.0", "Interface to bind")
	serveCmd.Flags().IntVar(&servePort, "port", 8000, "Port to listen on")
}
