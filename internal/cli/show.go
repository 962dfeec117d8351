package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"peg-stabilizer/internal/app"
)

var (
	showLimit  int
	showPair   string
	showStatus string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent audit profiles from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		switch showStatus {
		case "", "committed", "rejected":
		default:
			return fmt.Errorf("--status must be committed or rejected")
		}

		opts := app.ShowOptions{
			PairID: showPair,
			Status: showStatus,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of profiles to display")
	showCmd.Flags().StringVar(&showPair, "pair", "", "Only show this pair")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Only show committed or rejected profiles")
}
