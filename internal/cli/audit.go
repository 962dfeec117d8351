package cli

import (
	"github.com/spf13/cobra"

	"peg-stabilizer/internal/app"
)

var verifyPair string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the ledger hash chain and every profile signature",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Verify(cmd.Context(), app.VerifyOptions{PairID: verifyPair})
	},
}

var (
	reportPair string
	reportFrom string
	reportTo   string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print a compliance report as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReportOptions{PairID: reportPair}
		var err error
		if opts.From, err = parseTimeFlag("from", reportFrom); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("to", reportTo); err != nil {
			return err
		}
		return getApp().Report(cmd.Context(), opts)
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage payload and signing keys",
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Add a new active payload encryption key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RotateKey(cmd.Context())
	},
}

var keysSignerCmd = &cobra.Command{
	Use:   "signer",
	Short: "Print the configured signer identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SignerInfo(cmd.Context())
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyPair, "pair", "", "Only verify this pair")

	reportCmd.Flags().StringVar(&reportPair, "pair", "", "Only report on this pair")
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "End timestamp (RFC3339, exclusive)")

	keysCmd.AddCommand(keysRotateCmd)
	keysCmd.AddCommand(keysSignerCmd)
}
