package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/audit"
	"peg-stabilizer/internal/config"
	"peg-stabilizer/internal/ledger"
)

const testConfig = `
scheduler:
  interval: 1m
pairs:
  - id: TEST-USD
    target: "1.00"
    precision_threshold: "0.01"
    risk_acceptance_threshold: 0.7
backend:
  initial_supply: "1000000"
metrics:
  enabled: false
`

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	out := new(bytes.Buffer)
	a := NewApp(cfg, zerolog.Nop())
	a.Output = out
	return a, out
}

func prices(vs ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vs))
	for i, v := range vs {
		out[i] = decimal.RequireFromString(v)
	}
	return out
}

func TestSimulateRunsFullCycles(t *testing.T) {
	a, out := newTestApp(t)
	low := 0.1

	res, err := a.Simulate(context.Background(), SimulateOptions{Prices: prices("1.00", "1.05"), RiskScore: &low})
	require.NoError(t, err)
	require.Len(t, res.Profiles, 2)

	assert.Equal(t, audit.StatusCommitted, res.Profiles[0].Status)
	assert.Empty(t, res.Profiles[0].ActionResults)
	assert.Equal(t, audit.StatusCommitted, res.Profiles[1].Status)
	assert.Len(t, res.Profiles[1].ActionResults, 3)
	assert.True(t, res.Book.Supply.GreaterThan(decimal.NewFromInt(1_000_000)), "price above target mints")

	n, err := ledger.VerifyChain(context.Background(), res.Ledger, "TEST-USD")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Contains(t, out.String(), "TEST-USD")
	assert.Contains(t, out.String(), "Supply")
}

func TestSimulatePinnedRiskAborts(t *testing.T) {
	a, _ := newTestApp(t)
	high := 0.95

	res, err := a.Simulate(context.Background(), SimulateOptions{PairID: "TEST-USD", Prices: prices("0.90"), RiskScore: &high})
	require.NoError(t, err)
	require.Len(t, res.Profiles, 1)
	assert.Equal(t, audit.StatusRejected, res.Profiles[0].Status)
	assert.True(t, res.Book.Supply.Equal(decimal.NewFromInt(1_000_000)))
}

func TestSimulateValidation(t *testing.T) {
	a, _ := newTestApp(t)
	_, err := a.Simulate(context.Background(), SimulateOptions{})
	assert.Error(t, err)
	_, err = a.Simulate(context.Background(), SimulateOptions{PairID: "NOPE", Prices: prices("1")})
	assert.ErrorContains(t, err, "not configured")
}

func TestRunOnceWithoutDatabase(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, a.RunOnce(context.Background(), OnceOptions{}))
	assert.Contains(t, out.String(), "TEST-USD")
	assert.Contains(t, out.String(), string(audit.StatusCommitted))

	assert.ErrorContains(t, a.RunOnce(context.Background(), OnceOptions{Pairs: []string{"NOPE"}}), "not configured")
}

func TestLedgerCommandsRequireDatabase(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.Export(ctx, ExportOptions{CSVPath: "x.csv"}), errNoDatabase)
	assert.Error(t, a.Export(ctx, ExportOptions{}))
	assert.ErrorIs(t, a.Verify(ctx, VerifyOptions{}), errNoDatabase)
	assert.ErrorIs(t, a.Report(ctx, ReportOptions{}), errNoDatabase)

	require.NoError(t, a.Show(ctx, ShowOptions{}))
	assert.Contains(t, out.String(), "no profiles found")
}

func TestVerifyPairs(t *testing.T) {
	a, _ := newTestApp(t)
	low := 0.1
	res, err := a.Simulate(context.Background(), SimulateOptions{Prices: prices("1.00", "1.10", "1.00"), RiskScore: &low})
	require.NoError(t, err)

	signerID := res.Profiles[0].SignerID
	stranger, err := audit.NewEd25519Signer()
	require.NoError(t, err)
	require.NotEqual(t, signerID, stranger.KeyID())

	results, err := verifyPairs(context.Background(), res.Ledger, audit.NewVerifier(stranger), []string{"TEST-USD", "OTHER"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 3, results[0].Records)
	assert.NoError(t, results[0].ChainErr)
	assert.Equal(t, 3, results[0].Unverified)
	assert.Contains(t, results[0].FirstBad, "unknown signer")
	assert.Zero(t, results[1].Records)

	var buf bytes.Buffer
	assert.False(t, printVerification(&buf, results))
	assert.Contains(t, buf.String(), "TEST-USD")
	assert.True(t, printVerification(&buf, results[1:]))
}

func TestDownsampleRows(t *testing.T) {
	rows := make([]exportRow, 10)
	for i := range rows {
		rows[i].Sequence = uint64(i + 1)
	}
	assert.Len(t, downsampleRows(rows, 0), 10)
	assert.Len(t, downsampleRows(rows, 20), 10)

	got := downsampleRows(rows, 4)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, uint64(10), got[3].Sequence)

	one := downsampleRows(rows, 1)
	require.Len(t, one, 1)
	assert.Equal(t, uint64(10), one[0].Sequence)
}

func TestWriteRowsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.csv")
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	rows := []exportRow{
		{Sequence: 1, CreatedAt: at, PairID: "TEST-USD", ProfileID: "a", Status: audit.StatusCommitted, RiskScore: 0.25,
			Price: decimal.RequireFromString("1.05"), Delta: decimal.RequireFromString("0.05"), Opened: true, Actions: "-"},
		{Sequence: 2, CreatedAt: at.Add(time.Minute), PairID: "TEST-USD", ProfileID: "b", Status: audit.StatusRejected, Reason: "line\nbreak"},
	}
	require.NoError(t, writeRowsCSV(path, rows))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "sequence", records[0][0])
	assert.Equal(t, "1.05", records[1][6])
	assert.Equal(t, "0.05000000", records[1][7])
	assert.Equal(t, "0.2500", records[1][5])
	assert.Equal(t, "", records[2][6], "sealed payloads export blank prices")
}

func TestWriteRowsPNGNeedsTwoPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	assert.Error(t, writeRowsPNG(path, []exportRow{{}}))

	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	rows := []exportRow{
		{CreatedAt: at, RiskScore: 0.1, Price: decimal.RequireFromString("1.01"), Opened: true},
		{CreatedAt: at.Add(time.Minute), RiskScore: 0.4, Price: decimal.RequireFromString("0.98"), Opened: true},
		{CreatedAt: at.Add(2 * time.Minute), RiskScore: 0.2},
	}
	require.NoError(t, writeRowsPNG(path, rows))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestRotateKey(t *testing.T) {
	a, out := newTestApp(t)
	assert.Error(t, a.RotateKey(context.Background()))

	a.Config.Security.KeystorePath = filepath.Join(t.TempDir(), "keys", "keystore.json")
	require.NoError(t, a.RotateKey(context.Background()))
	assert.Contains(t, out.String(), "active key version: 2")

	keys, err := audit.OpenFileKeyring(a.Config.Security.KeystorePath)
	require.NoError(t, err)
	assert.Equal(t, 2, keys.ActiveVersion())
	_, err = keys.Key(context.Background(), 1)
	assert.NoError(t, err)
}

func TestSignerInfoMatchesTrustedSignerFormat(t *testing.T) {
	a, out := newTestApp(t)
	a.Config.Security.SignerKey = "0101010101010101010101010101010101010101010101010101010101010101"
	require.NoError(t, a.SignerInfo(context.Background()))

	signer, err := audit.NewEd25519SignerFromSeed(a.Config.Security.SignerKey)
	require.NoError(t, err)
	assert.Contains(t, out.String(), signer.KeyID())

	entry := fmt.Sprintf("%x", []byte(signer.PublicKey()))
	a.Config.Security.TrustedSigners = []string{entry}
	vs, err := a.trustedVerifiers()
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, signer.KeyID(), vs[0].KeyID())
}
