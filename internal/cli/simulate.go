package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"peg-stabilizer/internal/app"
)

var (
	simulatePair   string
	simulatePrices []string
	simulateRisk   float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用给定价格序列模拟稳定周期（内存账本，不提交链上）",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulatePrices) == 0 {
			return errors.New("--price 至少提供一次")
		}
		prices := make([]decimal.Decimal, 0, len(simulatePrices))
		for _, raw := range simulatePrices {
			p, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("无效价格 %q: %w", raw, err)
			}
			if p.Sign() <= 0 {
				return fmt.Errorf("价格必须大于 0: %s", raw)
			}
			prices = append(prices, p)
		}

		opts := app.SimulateOptions{PairID: simulatePair, Prices: prices}
		if cmd.Flags().Changed("risk") {
			if simulateRisk < 0 || simulateRisk > 1 {
				return errors.New("--risk 必须在 [0,1] 区间")
			}
			opts.RiskScore = &simulateRisk
		}

		_, err := getApp().Simulate(cmd.Context(), opts)
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "", "交易对（默认取第一个配置的交易对）")
	simulateCmd.Flags().StringSliceVar(&simulatePrices, "price", nil, "依次喂给预言机的价格，可重复或逗号分隔")
	simulateCmd.Flags().Float64Var(&simulateRisk, "risk", 0, "固定风险评分，跳过默认评分模型")
}
