package stabilization

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	maxFactor = decimal.NewFromInt(1)
	minFactor = decimal.NewFromInt(-1)
	hundred   = decimal.NewFromInt(100)
)

// Strategy proposes a correction for the current price.
type Strategy interface {
	Name() string
	Propose(current, target decimal.Decimal, signals Signals) (CorrectionProposal, error)
}

// ProportionalStrategy corrects by the relative distance to the peg.
type ProportionalStrategy struct{}

// Name implements Strategy.
func (ProportionalStrategy) Name() string { return "proportional" }

// Propose returns (target - current) / current clamped to [-1, 1].
func (ProportionalStrategy) Propose(current, target decimal.Decimal, _ Signals) (CorrectionProposal, error) {
	factor, err := proportionalFactor(current, target)
	if err != nil {
		return CorrectionProposal{}, err
	}
	return CorrectionProposal{
		Factor:      clampFactor(factor),
		BasisPrice:  current,
		TargetPrice: target,
	}, nil
}

func proportionalFactor(current, target decimal.Decimal) (decimal.Decimal, error) {
	if !current.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: got %s", ErrInvalidPrice, current.String())
	}
	return target.Sub(current).Div(current), nil
}

func clampFactor(f decimal.Decimal) decimal.Decimal {
	if f.GreaterThan(maxFactor) {
		return maxFactor
	}
	if f.LessThan(minFactor) {
		return minFactor
	}
	return f
}

// Band scales the proportional factor while the deviation, in percent of the
// target, is at most UpToPct.
type Band struct {
	UpToPct decimal.Decimal `mapstructure:"up_to_pct"`
	Gain    decimal.Decimal `mapstructure:"gain"`
}

// TableStrategy applies a gain table fitted offline and loaded as data.
type TableStrategy struct {
	bands []Band
}

// NewTableStrategy sorts the bands by ceiling. Deviations beyond the last
// band use the last band's gain.
func NewTableStrategy(bands []Band) (*TableStrategy, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("%w: table strategy requires at least one band", ErrInvalidParameters)
	}
	sorted := make([]Band, len(bands))
	copy(sorted, bands)
	for _, b := range sorted {
		if b.UpToPct.IsNegative() || b.Gain.IsNegative() {
			return nil, fmt.Errorf("%w: band values cannot be negative", ErrInvalidParameters)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpToPct.LessThan(sorted[j].UpToPct)
	})
	return &TableStrategy{bands: sorted}, nil
}

// Name implements Strategy.
func (t *TableStrategy) Name() string { return "table" }

// Propose implements Strategy.
func (t *TableStrategy) Propose(current, target decimal.Decimal, _ Signals) (CorrectionProposal, error) {
	factor, err := proportionalFactor(current, target)
	if err != nil {
		return CorrectionProposal{}, err
	}
	if !target.IsPositive() {
		return CorrectionProposal{}, fmt.Errorf("%w: target %s", ErrInvalidPrice, target.String())
	}
	deviationPct := current.Sub(target).Abs().Div(target).Mul(hundred)
	gain := t.gainFor(deviationPct)
	return CorrectionProposal{
		Factor:      clampFactor(factor.Mul(gain)),
		BasisPrice:  current,
		TargetPrice: target,
	}, nil
}

func (t *TableStrategy) gainFor(deviationPct decimal.Decimal) decimal.Decimal {
	for _, b := range t.bands {
		if deviationPct.LessThanOrEqual(b.UpToPct) {
			return b.Gain
		}
	}
	return t.bands[len(t.bands)-1].Gain
}

var (
	_ Strategy = ProportionalStrategy{}
	_ Strategy = (*TableStrategy)(nil)
)
