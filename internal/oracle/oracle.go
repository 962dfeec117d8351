package oracle

import (
	"context"
	"errors"

	"peg-stabilizer/internal/stabilization"
)

var (
	// ErrOracleUnavailable covers transport failures, open breakers and
	// malformed responses.
	ErrOracleUnavailable = errors.New("oracle: unavailable")
	// ErrStaleData is returned when the freshest observation is too old.
	ErrStaleData = errors.New("oracle: stale data")
)

// PriceOracle supplies price observations for a currency pair.
type PriceOracle interface {
	FetchPrice(ctx context.Context, pairID string) (stabilization.PriceSample, error)
}
