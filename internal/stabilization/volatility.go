package stabilization

import "math"

// DefaultVolatilityReference is the return deviation treated as fully
// volatile.
const DefaultVolatilityReference = 0.05

// VolatilityTracker keeps a rolling window of observed prices and derives
// the volatility signal from the standard deviation of simple returns,
// normalised by Reference. It is owned by a single controller and is not
// safe for concurrent use.
type VolatilityTracker struct {
	window    int
	reference float64
	prices    []float64
}

// NewVolatilityTracker builds a tracker over the last window samples.
func NewVolatilityTracker(window int, reference float64) *VolatilityTracker {
	if window < 2 {
		window = 2
	}
	if reference <= 0 {
		reference = DefaultVolatilityReference
	}
	return &VolatilityTracker{window: window, reference: reference}
}

// Observe records a sample. Non-positive prices are ignored.
func (t *VolatilityTracker) Observe(sample PriceSample) {
	v := sample.Value.InexactFloat64()
	if v <= 0 {
		return
	}
	t.prices = append(t.prices, v)
	if len(t.prices) > t.window {
		t.prices = t.prices[len(t.prices)-t.window:]
	}
}

// Signal returns the normalised volatility in [0,1].
func (t *VolatilityTracker) Signal() float64 {
	return clampUnit(t.StdDev() / t.reference)
}

// StdDev returns the sample standard deviation of simple returns.
func (t *VolatilityTracker) StdDev() float64 {
	if len(t.prices) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(t.prices)-1)
	for i := 1; i < len(t.prices); i++ {
		returns = append(returns, t.prices[i]/t.prices[i-1]-1)
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var sq float64
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(returns)-1))
}
