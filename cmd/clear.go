package cmd

import (
	"fmt"
	"os"

	"github.com/iksnae/cursor-relay/internal"
	"github.com/spf13/cobra"
)

var (
	clearWorkspaces bool
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the session index",
	Long: `Reset the fingerprint → session mapping.

Existing agent sessions stay intact on the agent side; the relay simply
forgets about them, so subsequent requests start fresh sessions. Pass
--workspaces to also remove the per-session workspace directories.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := internal.LoadConfig()

		store, err := internal.NewSessionStore(cfg.StoragePath(), cfg.WorkspaceBase(), cfg.AgentBin)
		if err != nil {
			return fmt.Errorf("failed to open session storage: %w", err)
		}

		count, err := store.Len()
		if err != nil {
			return err
		}
		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to clear session storage: %w", err)
		}
		_ = os.Remove(cfg.StoragePath() + ".lock")
		fmt.Printf("Cleared %d session(s) from %s\n", count, cfg.StoragePath())

		if clearWorkspaces {
			if err := os.RemoveAll(cfg.WorkspaceBase()); err != nil {
				return fmt.Errorf("failed to remove workspaces: %w", err)
			}
			fmt.Printf("Removed workspace directory %s\n", cfg.WorkspaceBase())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clearCmd)
	clearCmd.Flags().BoolVar(&clearWorkspaces, "workspaces", false, "Also remove per-session workspace directories")
}
