package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"peg-stabilizer/internal/stabilization"
)

// GuardOptions configure the breaker and freshness check around an oracle.
type GuardOptions struct {
	Name string
	// MaxAge rejects samples older than this; zero disables the check.
	MaxAge              time.Duration
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// Guarded wraps an oracle with a circuit breaker and a staleness check.
type Guarded struct {
	inner   PriceOracle
	opts    GuardOptions
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	clock   func() time.Time
}

// NewGuarded constructs a guarded oracle.
func NewGuarded(inner PriceOracle, opts GuardOptions, logger zerolog.Logger) *Guarded {
	if opts.Name == "" {
		opts.Name = "oracle"
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.HalfOpenRequests == 0 {
		opts.HalfOpenRequests = 1
	}

	g := &Guarded{
		inner:  inner,
		opts:   opts,
		logger: logger.With().Str("component", "oracle_guard").Str("breaker", opts.Name).Logger(),
		clock:  time.Now,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: opts.HalfOpenRequests,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("oracle breaker state changed")
		},
	})
	return g
}

// WithClock overrides the clock used for freshness checks.
func (g *Guarded) WithClock(clock func() time.Time) *Guarded {
	g.clock = clock
	return g
}

// State exposes the breaker state for health reporting.
func (g *Guarded) State() string {
	return g.breaker.State().String()
}

// FetchPrice implements PriceOracle.
func (g *Guarded) FetchPrice(ctx context.Context, pairID string) (stabilization.PriceSample, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		sample, err := g.inner.FetchPrice(ctx, pairID)
		if err != nil {
			return nil, err
		}
		if g.opts.MaxAge > 0 {
			if age := g.clock().Sub(sample.Timestamp); age > g.opts.MaxAge {
				return nil, fmt.Errorf("%w: sample for %s is %s old (max %s)", ErrStaleData, pairID, age.Truncate(time.Second), g.opts.MaxAge)
			}
		}
		return sample, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return stabilization.PriceSample{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
		}
		return stabilization.PriceSample{}, err
	}
	return res.(stabilization.PriceSample), nil
}

var _ PriceOracle = (*Guarded)(nil)
