package stabilization

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Parameters is the immutable peg configuration for one controller.
type Parameters struct {
	target                  decimal.Decimal
	precisionThreshold      decimal.Decimal
	riskAcceptanceThreshold float64
}

// NewParameters validates and freezes the peg configuration.
func NewParameters(target, precisionThreshold decimal.Decimal, riskAcceptanceThreshold float64) (Parameters, error) {
	if !target.IsPositive() {
		return Parameters{}, fmt.Errorf("%w: target must be greater than zero, got %s", ErrInvalidParameters, target.String())
	}
	if precisionThreshold.IsNegative() {
		return Parameters{}, fmt.Errorf("%w: precision threshold cannot be negative, got %s", ErrInvalidParameters, precisionThreshold.String())
	}
	if riskAcceptanceThreshold < 0 || riskAcceptanceThreshold > 1 || riskAcceptanceThreshold != riskAcceptanceThreshold {
		return Parameters{}, fmt.Errorf("%w: risk acceptance threshold must be within [0,1], got %v", ErrInvalidParameters, riskAcceptanceThreshold)
	}
	return Parameters{
		target:                  target,
		precisionThreshold:      precisionThreshold,
		riskAcceptanceThreshold: riskAcceptanceThreshold,
	}, nil
}

// Target returns the peg value.
func (p Parameters) Target() decimal.Decimal { return p.target }

// PrecisionThreshold returns the tolerated absolute deviation.
func (p Parameters) PrecisionThreshold() decimal.Decimal { return p.precisionThreshold }

// RiskAcceptanceThreshold returns the highest risk score that may still act.
func (p Parameters) RiskAcceptanceThreshold() float64 { return p.riskAcceptanceThreshold }
