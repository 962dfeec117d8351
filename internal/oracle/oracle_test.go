package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/stabilization"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestHTTPOracleMissingBaseURL(t *testing.T) {
	o := NewHTTPOracle(HTTPOptions{}, noopLogger())
	_, err := o.FetchPrice(context.Background(), "PI-USD")
	require.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestHTTPOracleHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "maintenance"})
	}))
	defer srv.Close()

	o := NewHTTPOracle(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := o.FetchPrice(context.Background(), "PI-USD")
	require.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Contains(t, err.Error(), "maintenance")
}

func TestHTTPOracleSuccess(t *testing.T) {
	ts := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pair":      "PI-USD",
			"price":     "314158.95",
			"timestamp": ts.Format(time.RFC3339),
			"source":    "aggregator-a",
		})
	}))
	defer srv.Close()

	o := NewHTTPOracle(HTTPOptions{BaseURL: srv.URL + "/", Timeout: time.Second, UserAgent: "test", RequestsPerSecond: 100}, noopLogger())
	sample, err := o.FetchPrice(context.Background(), "PI-USD")
	require.NoError(t, err)

	assert.Equal(t, "/prices/PI-USD", gotPath)
	assert.Equal(t, "test", gotUA)
	assert.True(t, sample.Value.Equal(decimal.RequireFromString("314158.95")))
	assert.Equal(t, ts, sample.Timestamp)
	assert.Equal(t, "aggregator-a", sample.SourceID)
}

func TestHTTPOracleBadPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"price": "n/a"})
	}))
	defer srv.Close()

	o := NewHTTPOracle(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	_, err := o.FetchPrice(context.Background(), "PI-USD")
	require.ErrorIs(t, err, ErrOracleUnavailable)
}

type fakeCaller struct {
	decimals uint8
	answer   *big.Int
	updated  int64
	calls    map[string]int
	err      error
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	method, err := aggregatorABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method.Name]++
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(f.decimals)
	default:
		updated := big.NewInt(f.updated)
		return method.Outputs.Pack(big.NewInt(7), f.answer, updated, updated, big.NewInt(7))
	}
}

const feedAddr = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"

func TestChainOracleReadsFeed(t *testing.T) {
	caller := &fakeCaller{decimals: 8, answer: big.NewInt(31415900000000), updated: 1790000000}
	o := NewChainOracle(ChainOptions{Feeds: map[string]string{"PI-USD": feedAddr}}, noopLogger()).WithCaller(caller)

	sample, err := o.FetchPrice(context.Background(), "PI-USD")
	require.NoError(t, err)
	assert.True(t, sample.Value.Equal(decimal.RequireFromString("314159")), "got %s", sample.Value)
	assert.Equal(t, time.Unix(1790000000, 0).UTC(), sample.Timestamp)

	_, err = o.FetchPrice(context.Background(), "PI-USD")
	require.NoError(t, err)
	assert.Equal(t, 1, caller.calls["decimals"], "decimals are cached per pair")
	assert.Equal(t, 2, caller.calls["latestRoundData"])
}

func TestChainOracleErrors(t *testing.T) {
	o := NewChainOracle(ChainOptions{}, noopLogger())
	_, err := o.FetchPrice(context.Background(), "PI-USD")
	require.ErrorIs(t, err, ErrOracleUnavailable, "missing feed")

	o = NewChainOracle(ChainOptions{Feeds: map[string]string{"PI-USD": feedAddr}}, noopLogger())
	_, err = o.FetchPrice(context.Background(), "PI-USD")
	require.ErrorIs(t, err, ErrOracleUnavailable, "missing rpc url")

	o = NewChainOracle(ChainOptions{Feeds: map[string]string{"PI-USD": feedAddr}}, noopLogger()).
		WithCaller(&fakeCaller{err: errors.New("connection refused")})
	_, err = o.FetchPrice(context.Background(), "PI-USD")
	require.ErrorIs(t, err, ErrOracleUnavailable)

	o = NewChainOracle(ChainOptions{Feeds: map[string]string{"PI-USD": feedAddr}}, noopLogger()).
		WithCaller(&fakeCaller{decimals: 8, answer: big.NewInt(-1), updated: 1})
	_, err = o.FetchPrice(context.Background(), "PI-USD")
	require.ErrorIs(t, err, ErrOracleUnavailable, "negative answer")
}

func TestGuardedRejectsStaleSamples(t *testing.T) {
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	inner := NewStaticOracle(map[string]decimal.Decimal{"PI-USD": decimal.NewFromInt(1)}).
		WithClock(func() time.Time { return now.Add(-10 * time.Minute) })
	g := NewGuarded(inner, GuardOptions{MaxAge: time.Minute}, noopLogger()).WithClock(func() time.Time { return now })

	_, err := g.FetchPrice(context.Background(), "PI-USD")
	require.ErrorIs(t, err, ErrStaleData)
}

func TestGuardedOpensBreaker(t *testing.T) {
	inner := NewStaticOracle(nil)
	inner.Fail(errors.New("timeout"))
	g := NewGuarded(inner, GuardOptions{ConsecutiveFailures: 2, OpenTimeout: time.Hour}, noopLogger())

	for i := 0; i < 2; i++ {
		_, err := g.FetchPrice(context.Background(), "PI-USD")
		require.Error(t, err)
	}
	assert.Equal(t, "open", g.State())

	inner.Fail(nil)
	inner.Set("PI-USD", decimal.NewFromInt(3))
	_, err := g.FetchPrice(context.Background(), "PI-USD")
	require.ErrorIs(t, err, ErrOracleUnavailable, "open breaker short-circuits")
}

func TestGuardedPassesThrough(t *testing.T) {
	inner := NewStaticOracle(map[string]decimal.Decimal{"PI-USD": decimal.RequireFromString("314159.00")})
	g := NewGuarded(inner, GuardOptions{MaxAge: time.Minute}, noopLogger())

	sample, err := g.FetchPrice(context.Background(), "PI-USD")
	require.NoError(t, err)
	assert.Equal(t, stabilization.PriceSample{Value: decimal.RequireFromString("314159.00"), Timestamp: sample.Timestamp, SourceID: "static"}, sample)
}
