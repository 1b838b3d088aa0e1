package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	showLimit    int
	showEvidence bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:    showLimit,
			Evidence: showEvidence,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of candidates to display")
	showCmd.Flags().BoolVar(&showEvidence, "evidence", false, "Include scan evidence rows")
}
