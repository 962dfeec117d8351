package stabilization

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is a single timestamped price observation from an oracle.
type PriceSample struct {
	Value     decimal.Decimal `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
	SourceID  string          `json:"source_id"`
}

// Detection is the outcome of comparing a sample against the peg.
type Detection struct {
	Deviated bool            `json:"deviated"`
	Delta    decimal.Decimal `json:"delta"`
}

// CorrectionProposal is the adjustment a strategy suggests for one cycle.
type CorrectionProposal struct {
	Factor      decimal.Decimal `json:"factor"`
	BasisPrice  decimal.Decimal `json:"basis_price"`
	TargetPrice decimal.Decimal `json:"target_price"`
}

// RiskAssessment scores a proposal for systemic risk in [0,1].
type RiskAssessment struct {
	Score   float64            `json:"risk_score"`
	Factors map[string]float64 `json:"factors"`
}

// Signals carries auxiliary inputs for strategies and scorers. Entropy is
// always supplied by the caller.
type Signals struct {
	Volatility float64 `json:"volatility"`
	Entropy    []byte  `json:"-"`
}

// Outcome tags an ActionResult.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// ActionResult records what one corrective action did.
type ActionResult struct {
	Action          string            `json:"action_name"`
	Outcome         Outcome           `json:"outcome"`
	Reason          string            `json:"reason,omitempty"`
	SecurityFailure bool              `json:"security_failure,omitempty"`
	Details         map[string]string `json:"details,omitempty"`
}

// Succeeded reports whether the action completed.
func (r ActionResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Clone returns a deep copy so callers cannot share the details map.
func (r ActionResult) Clone() ActionResult {
	out := r
	if r.Details != nil {
		out.Details = make(map[string]string, len(r.Details))
		for k, v := range r.Details {
			out.Details[k] = v
		}
	}
	return out
}

// CloneResults deep-copies a result sequence, preserving order.
func CloneResults(results []ActionResult) []ActionResult {
	if results == nil {
		return nil
	}
	out := make([]ActionResult, len(results))
	for i, r := range results {
		out[i] = r.Clone()
	}
	return out
}
