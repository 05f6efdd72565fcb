package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/iksnae/cursor-relay/internal"
	"github.com/spf13/cobra"
)

var (
	modelsUpdate bool
)

var (
	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("212")).
		Bold(true)

	aliasStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List available models",
	Long: `List the models the relay advertises on /v1/models.

The list is cached locally; pass --update to query the agent CLI for
the current listing and refresh the cache.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := internal.LoadConfig()

		registry := internal.NewModelRegistry(cfg.ModelsPath(), cfg.AgentBin)
		registry.Initialize()

		models := registry.Get()
		if modelsUpdate {
			var err error
			models, err = registry.Refresh()
			if err != nil {
				return fmt.Errorf("failed to refresh models: %w", err)
			}
			fmt.Printf("Refreshed model cache at %s\n\n", cfg.ModelsPath())
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("Available Models (%d)", len(models))))
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 3, ' ', 0)
		fmt.Fprintln(w, "API ID\tAGENT ID")
		for _, id := range models {
			fmt.Fprintf(w, "%s\t%s\n", idStyle.Render(internal.ToDisplayID(id)), aliasStyle.Render(id))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().BoolVar(&modelsUpdate, "update", false, "Query the agent CLI and refresh the cache")
}
