package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/iksnae/cursor-relay/internal"
	"github.com/spf13/cobra"
)

var (
	healthcheckVerbose bool
)

var (
	successStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214")).
		Bold(true)

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196")).
		Bold(true)

	infoStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("39"))

	sectionStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("62")).
		Bold(true).
		Underline(true)
)

// healthcheckCmd represents the healthcheck command
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Check if the relay can reach the agent CLI and its storage",
	Long: `Check the health of the relay by verifying:
  • Agent CLI availability and version
  • Session storage accessibility
  • Model cache state

This command is useful for debugging setup issues, especially in CI/CD environments.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := internal.LoadConfig()

		fmt.Println(sectionStyle.Render("🔍 Cursor Relay Health Check"))
		fmt.Println()

		// Step 1: Locate the agent binary
		fmt.Println(infoStyle.Render("Step 1: Locating agent CLI..."))
		path, err := exec.LookPath(cfg.AgentBin)
		if err != nil {
			fmt.Println(errorStyle.Render("❌ Agent CLI not found:"), cfg.AgentBin)
			os.Exit(1)
		}
		fmt.Println(successStyle.Render("✅ Agent CLI found"))
		if healthcheckVerbose {
			fmt.Printf("   Binary: %s\n", path)
		}
		if out, verErr := exec.Command(cfg.AgentBin, "--version").CombinedOutput(); verErr == nil {
			fmt.Printf("   Version: %s\n", strings.TrimSpace(string(out)))
		} else {
			fmt.Println(warningStyle.Render("⚠️  Agent CLI did not report a version"))
		}
		fmt.Println()

		// Step 2: Check session storage
		fmt.Println(infoStyle.Render("Step 2: Checking session storage..."))
		store, err := internal.NewSessionStore(cfg.StoragePath(), cfg.WorkspaceBase(), cfg.AgentBin)
		if err != nil {
			fmt.Println(errorStyle.Render("❌ Session storage inaccessible:"), err)
			os.Exit(1)
		}
		count, err := store.Len()
		if err != nil {
			fmt.Println(errorStyle.Render("❌ Failed to read session storage:"), err)
			os.Exit(1)
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("✅ Session storage accessible (%d session(s))", count)))
		if healthcheckVerbose {
			fmt.Printf("   Index: %s\n", cfg.StoragePath())
			fmt.Printf("   Workspaces: %s\n", cfg.WorkspaceBase())
		}
		fmt.Println()

		// Step 3: Check model cache
		fmt.Println(infoStyle.Render("Step 3: Checking model cache..."))
		registry := internal.NewModelRegistry(cfg.ModelsPath(), cfg.AgentBin)
		registry.Initialize()
		models := registry.Get()
		if _, statErr := os.Stat(cfg.ModelsPath()); statErr == nil {
			fmt.Println(successStyle.Render(fmt.Sprintf("✅ Model cache present (%d model(s))", len(models))))
		} else {
			fmt.Println(warningStyle.Render(fmt.Sprintf("⚠️  Model cache missing, using %d default(s); run 'cursor-relay models --update'", len(models))))
		}
		if healthcheckVerbose {
			for _, id := range models {
				fmt.Printf("   %s\n", id)
			}
		}
		fmt.Println()

		fmt.Println(successStyle.Render("Health check passed"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
	healthcheckCmd.Flags().BoolVar(&healthcheckVerbose, "verbose-output", false, "Show detailed path and model information")
}
