package cli

import (
	"time"

	"github.com/spf13/cobra"

	"peg-stabilizer/internal/app"
)

var runInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the stabilization loop for every configured pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runInterval > 0 {
			a.Config.Scheduler.Interval = runInterval
		}
		return a.Run(cmd.Context())
	},
}

var oncePairs []string

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single stabilization cycle and print the resulting profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunOnce(cmd.Context(), app.OnceOptions{Pairs: oncePairs})
	},
}

func init() {
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Override scheduler.interval")
	onceCmd.Flags().StringSliceVar(&oncePairs, "pair", nil, "Pairs to run (defaults to all configured pairs)")
}
