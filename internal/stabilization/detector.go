package stabilization

// Detect compares an observation with the peg. A delta equal to the
// precision threshold is still stable.
func Detect(sample PriceSample, params Parameters) Detection {
	delta := sample.Value.Sub(params.Target()).Abs()
	return Detection{
		Deviated: delta.GreaterThan(params.PrecisionThreshold()),
		Delta:    delta,
	}
}
