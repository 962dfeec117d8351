package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"peg-stabilizer/internal/stabilization"
)

// StaticOracle serves fixed prices. Used by the simulate command and tests.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	err    error
	clock  func() time.Time
}

// NewStaticOracle builds a static oracle from pair prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticOracle{prices: cp, clock: time.Now}
}

// WithClock overrides the timestamp source.
func (s *StaticOracle) WithClock(clock func() time.Time) *StaticOracle {
	s.clock = clock
	return s
}

// Set replaces a pair price.
func (s *StaticOracle) Set(pairID string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[pairID] = price
}

// Fail makes every subsequent fetch return err; nil restores normal service.
func (s *StaticOracle) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// FetchPrice implements PriceOracle.
func (s *StaticOracle) FetchPrice(ctx context.Context, pairID string) (stabilization.PriceSample, error) {
	if err := ctx.Err(); err != nil {
		return stabilization.PriceSample{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return stabilization.PriceSample{}, s.err
	}
	price, ok := s.prices[pairID]
	if !ok {
		return stabilization.PriceSample{}, ErrOracleUnavailable
	}
	return stabilization.PriceSample{Value: price, Timestamp: s.clock().UTC(), SourceID: "static"}, nil
}

var _ PriceOracle = (*StaticOracle)(nil)
