package stabilization

import "math"

const (
	FactorCorrectionMagnitude = "correction_magnitude"
	FactorVolatility          = "volatility"
)

// RiskScorer scores a proposal. Implementations must be deterministic and
// must not mutate their inputs.
type RiskScorer interface {
	Assess(proposal CorrectionProposal, signals Signals) RiskAssessment
}

// DefaultRiskScorer weighs the size of the correction against market
// volatility.
type DefaultRiskScorer struct {
	// MagnitudeWeight and VolatilityWeight should sum to at most 1.
	MagnitudeWeight  float64
	VolatilityWeight float64
	// Saturation is the |factor| at which the magnitude component reaches 1.
	Saturation float64
}

// NewDefaultRiskScorer returns the stock weights.
func NewDefaultRiskScorer() DefaultRiskScorer {
	return DefaultRiskScorer{
		MagnitudeWeight:  0.7,
		VolatilityWeight: 0.3,
		Saturation:       0.25,
	}
}

// Assess implements RiskScorer.
func (s DefaultRiskScorer) Assess(proposal CorrectionProposal, signals Signals) RiskAssessment {
	saturation := s.Saturation
	if saturation <= 0 {
		saturation = 1
	}
	magnitude := clampUnit(math.Abs(proposal.Factor.InexactFloat64()) / saturation)
	volatility := clampUnit(signals.Volatility)

	score := clampUnit(s.MagnitudeWeight*magnitude + s.VolatilityWeight*volatility)
	return RiskAssessment{
		Score: score,
		Factors: map[string]float64{
			FactorCorrectionMagnitude: magnitude,
			FactorVolatility:          volatility,
		},
	}
}

// FixedRiskScorer always returns the same score. Used to pin the gate in
// simulations and drills.
type FixedRiskScorer struct {
	Score float64
}

// Assess implements RiskScorer.
func (f FixedRiskScorer) Assess(CorrectionProposal, Signals) RiskAssessment {
	return RiskAssessment{
		Score:   clampUnit(f.Score),
		Factors: map[string]float64{"fixed": clampUnit(f.Score)},
	}
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

var (
	_ RiskScorer = DefaultRiskScorer{}
	_ RiskScorer = FixedRiskScorer{}
)
