package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/audit"
	"peg-stabilizer/internal/ledger"
	"peg-stabilizer/internal/stabilization"
)

var t0 = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

type harness struct {
	ledger *ledger.MemoryLedger
	sealer *audit.Sealer
	signer *audit.Ed25519Signer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keys, err := audit.NewEphemeralKeyring()
	require.NoError(t, err)
	signer, err := audit.NewEd25519Signer()
	require.NoError(t, err)
	return &harness{
		ledger: ledger.NewMemoryLedger(),
		sealer: audit.NewSealer(keys, signer, zerolog.Nop()),
		signer: signer,
	}
}

func (h *harness) add(t *testing.T, pair string, at time.Time, risk float64, results ...stabilization.ActionResult) *audit.Profile {
	t.Helper()
	p := audit.NewProfile(pair, at)
	p.RiskScore = risk
	if results != nil {
		p.ActionResults = results
	}
	p.Status, p.Reason = audit.Decide(p.ActionResults)
	require.NoError(t, h.sealer.Seal(context.Background(), p, audit.Evidence{}))
	_, err := h.ledger.Append(context.Background(), p)
	require.NoError(t, err)
	return p
}

var (
	ok       = stabilization.ActionResult{Action: "supply_adjustment", Outcome: stabilization.OutcomeSuccess}
	timeout  = stabilization.ActionResult{Action: "reserve_rebalancing", Outcome: stabilization.OutcomeFailed, Reason: "timeout"}
	abort    = stabilization.ActionResult{Action: "abort_for_risk", Outcome: stabilization.OutcomeFailed, Reason: "risky"}
	security = stabilization.ActionResult{Action: "market_mechanism_modification", Outcome: stabilization.OutcomeFailed, SecurityFailure: true, Reason: "refused"}
)

func TestEmptyLedgerIsLowRisk(t *testing.T) {
	h := newHarness(t)
	rep, err := NewReporter(h.ledger, audit.NewVerifier(h.signer), zerolog.Nop()).Generate(context.Background(), ledger.Range{})
	require.NoError(t, err)
	assert.Zero(t, rep.Cycles)
	assert.Equal(t, 1.0, rep.ComplianceScore)
	assert.Equal(t, LevelLow, rep.RiskLevel)
	assert.True(t, rep.ChainIntact)
	assert.Empty(t, rep.Flags)
}

func TestReportCounts(t *testing.T) {
	h := newHarness(t)
	h.add(t, "PI-USD", t0, 0.1)
	h.add(t, "PI-USD", t0.Add(time.Minute), 0.3, ok, timeout)
	h.add(t, "PI-USD", t0.Add(2*time.Minute), 0.9, abort)
	h.add(t, "PI-USD", t0.Add(3*time.Minute), 0.2, ok, security)
	h.add(t, "ETH-USD", t0, 0.1)

	rep, err := NewReporter(h.ledger, audit.NewVerifier(h.signer), zerolog.Nop()).
		Generate(context.Background(), ledger.Range{PairID: "PI-USD"})
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Cycles)
	assert.Equal(t, 2, rep.Committed)
	assert.Equal(t, 2, rep.Rejected)
	assert.Equal(t, 3, rep.Corrective)
	assert.Equal(t, 1, rep.RiskAborts)
	assert.Equal(t, 1, rep.SecurityRejections)
	assert.Equal(t, 2, rep.FailedActions)
	assert.Zero(t, rep.Unverified)
	assert.InDelta(t, 0.375, rep.AverageRisk, 1e-9)
	assert.InDelta(t, 0.9, rep.MaxRisk, 1e-9)
	assert.InDelta(t, 2.0/3.0, rep.ComplianceScore, 1e-9)
	assert.Equal(t, LevelHigh, rep.RiskLevel)
	assert.Equal(t, []string{FlagSecurityRejections, FlagRiskAborts}, rep.Flags)
	assert.True(t, rep.ChainIntact)
}

func TestUnknownSignerLowersScore(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.add(t, "PI-USD", t0.Add(time.Duration(i)*time.Minute), 0.1)
	}

	stranger, err := audit.NewEd25519Signer()
	require.NoError(t, err)
	rep, err := NewReporter(h.ledger, audit.NewVerifier(stranger), zerolog.Nop()).Generate(context.Background(), ledger.Range{})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Unverified)
	assert.Zero(t, rep.ComplianceScore)
	assert.Contains(t, rep.Flags, FlagSignatureFailures)

	rep, err = NewReporter(h.ledger, nil, zerolog.Nop()).Generate(context.Background(), ledger.Range{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, rep.ComplianceScore)
	assert.Equal(t, LevelLow, rep.RiskLevel)
}

func TestLevel(t *testing.T) {
	assert.Equal(t, LevelHigh, Level(0.7))
	assert.Equal(t, LevelLow, Level(0.71))
	assert.Equal(t, LevelHigh, Level(0))
}
