package stabilization

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParams(t *testing.T, target, threshold string, risk float64) Parameters {
	t.Helper()
	p, err := NewParameters(decimal.RequireFromString(target), decimal.RequireFromString(threshold), risk)
	require.NoError(t, err)
	return p
}

func sampleAt(value string) PriceSample {
	return PriceSample{Value: decimal.RequireFromString(value), Timestamp: time.Unix(1700000000, 0).UTC(), SourceID: "test"}
}

func TestNewParametersValidation(t *testing.T) {
	cases := []struct {
		name      string
		target    string
		threshold string
		risk      float64
	}{
		{"zero target", "0", "0.01", 0.5},
		{"negative target", "-1", "0.01", 0.5},
		{"negative threshold", "100", "-0.01", 0.5},
		{"risk above one", "100", "0.01", 1.1},
		{"negative risk", "100", "0.01", -0.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewParameters(decimal.RequireFromString(tc.target), decimal.RequireFromString(tc.threshold), tc.risk)
			require.ErrorIs(t, err, ErrInvalidParameters)
		})
	}

	_, err := NewParameters(decimal.NewFromInt(100), decimal.Zero, 0)
	require.NoError(t, err, "zero threshold and zero risk acceptance are valid")
}

func TestDetectStableAtPeg(t *testing.T) {
	params := mustParams(t, "314159.00", "0.00001", 0.8)
	d := Detect(sampleAt("314159.00"), params)
	assert.False(t, d.Deviated)
	assert.True(t, d.Delta.IsZero())
}

func TestDetectBoundaryIsStable(t *testing.T) {
	params := mustParams(t, "100.00", "0.01", 0.8)

	assert.False(t, Detect(sampleAt("100.01"), params).Deviated, "delta equal to threshold is stable")
	assert.False(t, Detect(sampleAt("99.99"), params).Deviated, "delta equal to threshold is stable below peg")
	assert.True(t, Detect(sampleAt("100.0101"), params).Deviated)
	assert.True(t, Detect(sampleAt("99.9899"), params).Deviated)
}

func TestDetectDelta(t *testing.T) {
	params := mustParams(t, "100.00", "0.01", 0.8)
	d := Detect(sampleAt("105.00"), params)
	require.True(t, d.Deviated)
	assert.True(t, d.Delta.Equal(decimal.NewFromInt(5)), "delta %s", d.Delta)
}

func TestDetectPropertyWithinThresholdIsStable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delta <= threshold is stable", prop.ForAll(
		func(target, threshold, frac float64) bool {
			tgt := decimal.NewFromFloat(target).Round(6)
			thr := decimal.NewFromFloat(threshold).Round(6)
			params, err := NewParameters(tgt, thr, 0.5)
			if err != nil {
				return false
			}
			offset := thr.Mul(decimal.NewFromFloat(frac)).Round(8)
			if offset.GreaterThan(thr) {
				offset = thr
			}
			up := Detect(PriceSample{Value: tgt.Add(offset)}, params)
			down := Detect(PriceSample{Value: tgt.Sub(offset)}, params)
			return !up.Deviated && !down.Deviated
		},
		gen.Float64Range(0.01, 1e6),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 1),
	))

	properties.Property("delta > threshold deviates", prop.ForAll(
		func(target, threshold, extra float64) bool {
			tgt := decimal.NewFromFloat(target).Round(6)
			thr := decimal.NewFromFloat(threshold).Round(6)
			params, err := NewParameters(tgt, thr, 0.5)
			if err != nil {
				return false
			}
			price := tgt.Add(thr).Add(decimal.NewFromFloat(extra).Round(6))
			return Detect(PriceSample{Value: price}, params).Deviated
		},
		gen.Float64Range(0.01, 1e6),
		gen.Float64Range(0, 100),
		gen.Float64Range(0.001, 100),
	))

	properties.TestingRun(t)
}
