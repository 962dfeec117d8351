// Package compliance summarises the stabilization ledger for regulatory
// reporting. It only reads the ledger.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"peg-stabilizer/internal/audit"
	"peg-stabilizer/internal/ledger"
	"peg-stabilizer/internal/stabilization"
)

// LowRiskScore is the compliance score above which a range is rated LOW risk.
const LowRiskScore = 0.7

// Risk levels.
const (
	LevelLow  = "LOW"
	LevelHigh = "HIGH"
)

// Flags raised on a report.
const (
	FlagSignatureFailures  = "signature_failures"
	FlagChainBroken        = "chain_broken"
	FlagSecurityRejections = "security_rejections"
	FlagRiskAborts         = "risk_aborts"
)

// Report aggregates the profiles of one range.
type Report struct {
	PairID      string    `json:"pair_id,omitempty"`
	From        time.Time `json:"from,omitempty"`
	To          time.Time `json:"to,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`

	Cycles     int `json:"cycles"`
	Committed  int `json:"committed"`
	Rejected   int `json:"rejected"`
	Corrective int `json:"corrective"`
	RiskAborts int `json:"risk_aborts"`
	// SecurityRejections counts rejected profiles not explained by a risk abort.
	SecurityRejections int `json:"security_rejections"`
	FailedActions      int `json:"failed_actions"`
	Unverified         int `json:"unverified"`

	AverageRisk float64 `json:"average_risk"`
	MaxRisk     float64 `json:"max_risk"`

	ChainIntact     bool     `json:"chain_intact"`
	ComplianceScore float64  `json:"compliance_score"`
	RiskLevel       string   `json:"risk_level"`
	Flags           []string `json:"flags"`
}

// Reporter builds reports from a ledger store.
type Reporter struct {
	store    ledger.Store
	verifier *audit.Verifier
	logger   zerolog.Logger
	clock    func() time.Time
}

// NewReporter wires the reporter. A nil verifier skips signature checks.
func NewReporter(store ledger.Store, verifier *audit.Verifier, logger zerolog.Logger) *Reporter {
	return &Reporter{
		store:    store,
		verifier: verifier,
		logger:   logger.With().Str("component", "compliance").Logger(),
		clock:    time.Now,
	}
}

// Generate scans r and scores it. The score is the share of cycles that are
// committed, verifiably signed and not security rejected; an empty range
// scores 1.
func (rp *Reporter) Generate(ctx context.Context, r ledger.Range) (Report, error) {
	rep := Report{
		PairID:      r.PairID,
		From:        r.From,
		To:          r.To,
		GeneratedAt: rp.clock().UTC(),
		ChainIntact: true,
		Flags:       []string{},
	}

	pairs := make(map[string]struct{})
	var riskSum float64
	var clean int

	err := rp.store.Iterate(ctx, r, func(rec ledger.Record) error {
		p := rec.Profile
		pairs[p.PairID] = struct{}{}
		rep.Cycles++
		riskSum += p.RiskScore
		if p.RiskScore > rep.MaxRisk {
			rep.MaxRisk = p.RiskScore
		}
		if len(p.ActionResults) > 0 {
			rep.Corrective++
		}

		aborted := false
		for _, res := range p.ActionResults {
			if res.Action == string(stabilization.ActionAbortForRisk) {
				aborted = true
				continue
			}
			if !res.Succeeded() {
				rep.FailedActions++
			}
		}

		verified := true
		if rp.verifier != nil {
			if err := rp.verifier.Verify(p); err != nil {
				verified = false
				rep.Unverified++
				rp.logger.Warn().Err(err).Str("profile_id", p.ID.String()).Msg("profile signature did not verify")
			}
		}

		switch p.Status {
		case audit.StatusCommitted:
			rep.Committed++
			if verified {
				clean++
			}
		case audit.StatusRejected:
			rep.Rejected++
			if aborted {
				rep.RiskAborts++
			} else {
				rep.SecurityRejections++
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("scan ledger: %w", err)
	}

	// Risk aborts are the gate working as intended and do not lower the score.
	if denom := rep.Cycles - rep.RiskAborts; denom > 0 {
		rep.ComplianceScore = float64(clean) / float64(denom)
	} else {
		rep.ComplianceScore = 1
	}
	if rep.Cycles > 0 {
		rep.AverageRisk = riskSum / float64(rep.Cycles)
	}

	// The chain can only be checked over whole pairs.
	if r.From.IsZero() && r.To.IsZero() && r.Limit == 0 && r.Status == "" {
		for _, pair := range sortedKeys(pairs) {
			if _, err := ledger.VerifyChain(ctx, rp.store, pair); err != nil {
				if !errors.Is(err, ledger.ErrChainBroken) {
					return Report{}, fmt.Errorf("verify chain %s: %w", pair, err)
				}
				rep.ChainIntact = false
				rp.logger.Error().Err(err).Str("pair", pair).Msg("ledger hash chain broken")
			}
		}
	}
	if !rep.ChainIntact {
		rep.ComplianceScore = 0
	}

	rep.RiskLevel = Level(rep.ComplianceScore)
	if rep.Unverified > 0 {
		rep.Flags = append(rep.Flags, FlagSignatureFailures)
	}
	if !rep.ChainIntact {
		rep.Flags = append(rep.Flags, FlagChainBroken)
	}
	if rep.SecurityRejections > 0 {
		rep.Flags = append(rep.Flags, FlagSecurityRejections)
	}
	if rep.RiskAborts > 0 {
		rep.Flags = append(rep.Flags, FlagRiskAborts)
	}
	return rep, nil
}

// Level maps a compliance score to a risk level.
func Level(score float64) string {
	if score > LowRiskScore {
		return LevelLow
	}
	return LevelHigh
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
