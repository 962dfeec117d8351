package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"peg-stabilizer/internal/audit"
	"peg-stabilizer/internal/config"
	"peg-stabilizer/internal/ledger"
	"peg-stabilizer/internal/mechanism"
	"peg-stabilizer/internal/metrics"
	"peg-stabilizer/internal/oracle"
	"peg-stabilizer/internal/stabilization"
)

// SimulateOptions drive a price path through one pair.
type SimulateOptions struct {
	PairID string
	Prices []decimal.Decimal
	// RiskScore pins the risk gate when set.
	RiskScore *float64
}

// SimulationResult is what a simulation produced.
type SimulationResult struct {
	Profiles []*audit.Profile
	Book     mechanism.BookState
	Ledger   *ledger.MemoryLedger
}

// Simulate 用给定的价格序列跑完整的稳定周期，不触碰数据库与链上合约。
// 告警通道按配置照常发送。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (*SimulationResult, error) {
	if len(opts.Prices) == 0 {
		return nil, errors.New("至少需要一个价格")
	}
	pair, err := a.simulationPair(opts.PairID)
	if err != nil {
		return nil, err
	}

	rt, err := a.simulationRuntime()
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	static := oracle.NewStaticOracle(map[string]decimal.Decimal{pair.ID: opts.Prices[0]})
	ov := pairOverrides{oracles: map[string]oracle.PriceOracle{pair.ID: static}}
	if opts.RiskScore != nil {
		ov.scorer = stabilization.FixedRiskScorer{Score: *opts.RiskScore}
	}

	controllers, books, err := a.buildControllers(rt, []config.PairConfig{pair}, ov)
	if err != nil {
		return nil, err
	}
	c := controllers[0]

	res := &SimulationResult{Ledger: rt.store.(*ledger.MemoryLedger)}
	for _, price := range opts.Prices {
		static.Set(pair.ID, price)
		p, err := c.RunOnce(ctx)
		if err != nil {
			return nil, err
		}
		res.Profiles = append(res.Profiles, p)
	}
	res.Book = books[pair.ID].Snapshot()

	printProfiles(a.out(), res.Profiles)
	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "\nSupply\tReserves\tFee (bps)")
	fmt.Fprintf(writer, "%s\t%s\t%s\n", formatDecimal(res.Book.Supply, 4), formatDecimal(res.Book.Reserves, 4), formatDecimal(res.Book.FeeBps, 2))
	writer.Flush()
	return res, nil
}

func (a *App) simulationPair(id string) (config.PairConfig, error) {
	if id == "" {
		if len(a.Config.Pairs) == 0 {
			return config.DefaultPair(), nil
		}
		return a.Config.Pairs[0], nil
	}
	p, ok := a.Config.Pair(id)
	if !ok {
		return config.PairConfig{}, fmt.Errorf("pair %q is not configured", id)
	}
	return p, nil
}

// simulationRuntime keeps everything in memory and submits nothing.
func (a *App) simulationRuntime() (*runtime, error) {
	keys, err := audit.NewEphemeralKeyring()
	if err != nil {
		return nil, err
	}
	signer, err := audit.NewEd25519Signer()
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	return &runtime{
		store:     ledger.NewMemoryLedger(),
		keys:      keys,
		signer:    signer,
		submitter: mechanism.NewDryRunSubmitter(a.Logger),
		guard:     mechanism.NewMemoryGuard(),
		notifier:  a.newNotifier(),
		registry:  reg,
		metrics:   metrics.New(reg),
	}, nil
}
