package cmd

import (
	"fmt"
	"os"

	"github.com/iksnae/cursor-relay/internal"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	version string = "dev"
	commit  string = "unknown"
	date    string = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cursor-relay",
	Short: "OpenAI-compatible API relay for the cursor-agent CLI",
	Long: `An HTTP server that exposes the cursor-agent CLI behind the OpenAI
chat-completions API.

The relay keeps the stateless OpenAI protocol and the stateful agent
sessions in sync: each conversation history is fingerprinted and mapped
to a persistent agent session, so follow-up requests resume where the
previous one left off.

Quick Start:
  cursor-relay serve                  # Start the relay server
  cursor-relay models                 # List available models
  cursor-relay healthcheck            # Verify the agent CLI is reachable

Configuration is read from the environment (RELAY_KEY, RELAY_HOST,
RELAY_PORT, AGENT_BIN, WORKSPACE_WHITELIST, ...).`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg := internal.LoadConfig()
		if err := internal.InitLogger(cfg.LogLevel, verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer internal.SyncLogger()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	// Set version template to ensure --version flag works
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
