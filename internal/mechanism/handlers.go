package mechanism

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-stabilizer/internal/stabilization"
)

// DefaultReserveRatio is the collateral held per unit of circulating value.
var DefaultReserveRatio = decimal.RequireFromString("1.25")

// BookState is a snapshot of the monetary book.
type BookState struct {
	Supply   decimal.Decimal `json:"supply"`
	Reserves decimal.Decimal `json:"reserves"`
	FeeBps   decimal.Decimal `json:"fee_bps"`
}

// Book tracks the supply, reserves and fee the handlers act on.
type Book struct {
	mu    sync.RWMutex
	state BookState
}

// NewBook seeds the book.
func NewBook(initial BookState) *Book {
	return &Book{state: initial}
}

// Snapshot returns the current state.
func (b *Book) Snapshot() BookState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Book) update(fn func(*BookState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.state)
}

// Options tune the handlers.
type Options struct {
	ReserveRatio decimal.Decimal
	BaseFeeBps   decimal.Decimal
	// FeeSensitivity is added to the base fee per unit of absolute factor.
	FeeSensitivity decimal.Decimal
	MinFeeBps      decimal.Decimal
	MaxFeeBps      decimal.Decimal
}

// NewHandlers builds the three action handlers over a shared book.
func NewHandlers(book *Book, submitter Submitter, guard Guard, opts Options, logger zerolog.Logger) stabilization.Handlers {
	if opts.ReserveRatio.Sign() <= 0 {
		opts.ReserveRatio = DefaultReserveRatio
	}
	if guard == nil {
		guard = NewMemoryGuard()
	}
	base := actionBase{
		book:      book,
		submitter: submitter,
		guard:     guard,
		logger:    logger.With().Str("component", "mechanism").Logger(),
	}
	return stabilization.Handlers{
		Supply:   &SupplyAdjuster{actionBase: base},
		Reserves: &ReserveRebalancer{actionBase: base, ratio: opts.ReserveRatio},
		Market:   &MarketModifier{actionBase: base, opts: opts},
	}
}

type actionBase struct {
	book      *Book
	submitter Submitter
	guard     Guard
	logger    zerolog.Logger
}

// plan is what an action decided from one book snapshot. A nil effect means
// there is nothing to submit.
type plan struct {
	payload map[string]string
	effect  func(*BookState)
}

// run consults the idempotency guard before the book is read. Only the first
// invocation for a key decides, submits and applies its effect; replays get
// the recorded details back unchanged.
func (a actionBase) run(ctx context.Context, inv stabilization.Invocation, decide func(BookState) plan) (map[string]string, error) {
	rec, err := a.guard.Do(ctx, inv.IdempotencyKey(), func(ctx context.Context) (Receipt, error) {
		p := decide(a.book.Snapshot())
		if p.effect == nil {
			return Receipt{Details: cloneDetails(p.payload)}, nil
		}
		if a.submitter == nil {
			return Receipt{}, fmt.Errorf("%s: submitter not configured", inv.Action)
		}
		rec, err := a.submitter.Submit(ctx, Instruction{CycleID: inv.CycleID, Action: inv.Action, Payload: p.payload})
		if err != nil {
			return Receipt{}, err
		}
		a.book.update(p.effect)
		rec.Details = cloneDetails(p.payload)
		rec.Details["tx_hash"] = rec.TxHash
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", inv.Action, err)
	}

	details := cloneDetails(rec.Details)
	if rec.Duplicate {
		if details == nil {
			details = make(map[string]string, 1)
		}
		details["duplicate"] = "true"
		a.logger.Info().Str("cycle_id", inv.CycleID.String()).Str("action", string(inv.Action)).Msg("instruction already applied; replaying receipt")
	}
	return details, nil
}

// SupplyAdjuster expands supply when the price is above target and contracts
// it when below, by the proposal factor.
type SupplyAdjuster struct {
	actionBase
}

// Apply implements stabilization.Handler.
func (s *SupplyAdjuster) Apply(ctx context.Context, inv stabilization.Invocation) (map[string]string, error) {
	return s.run(ctx, inv, func(state BookState) plan {
		amount := state.Supply.Mul(inv.Proposal.Factor.Abs()).Round(8)
		if amount.IsZero() {
			return plan{payload: map[string]string{"operation": "none"}}
		}
		op := "burn"
		if inv.Proposal.Factor.Sign() < 0 {
			op = "mint"
		}
		return plan{
			payload: map[string]string{"operation": op, "amount": amount.String()},
			effect: func(st *BookState) {
				if op == "mint" {
					st.Supply = st.Supply.Add(amount)
				} else {
					st.Supply = st.Supply.Sub(amount)
				}
			},
		}
	})
}

// ReserveRebalancer moves reserves toward ratio × supply × target price.
type ReserveRebalancer struct {
	actionBase
	ratio decimal.Decimal
}

// Apply implements stabilization.Handler.
func (r *ReserveRebalancer) Apply(ctx context.Context, inv stabilization.Invocation) (map[string]string, error) {
	return r.run(ctx, inv, func(state BookState) plan {
		required := state.Supply.Mul(inv.Proposal.TargetPrice).Mul(r.ratio).Round(8)
		shift := required.Sub(state.Reserves)
		if shift.IsZero() {
			return plan{payload: map[string]string{"operation": "none", "required_reserves": required.String()}}
		}
		op := "deposit"
		if shift.Sign() < 0 {
			op = "withdraw"
		}
		return plan{
			payload: map[string]string{
				"operation":         op,
				"amount":            shift.Abs().String(),
				"required_reserves": required.String(),
				"reserve_ratio":     r.ratio.String(),
			},
			effect: func(st *BookState) {
				st.Reserves = st.Reserves.Add(shift)
			},
		}
	})
}

// MarketModifier widens the trading fee with the size of the correction.
type MarketModifier struct {
	actionBase
	opts Options
}

// Apply implements stabilization.Handler.
func (m *MarketModifier) Apply(ctx context.Context, inv stabilization.Invocation) (map[string]string, error) {
	fee := m.opts.BaseFeeBps.Add(inv.Proposal.Factor.Abs().Mul(m.opts.FeeSensitivity))
	if m.opts.MaxFeeBps.Sign() > 0 && fee.GreaterThan(m.opts.MaxFeeBps) {
		fee = m.opts.MaxFeeBps
	}
	if fee.LessThan(m.opts.MinFeeBps) {
		fee = m.opts.MinFeeBps
	}
	fee = fee.Round(2)

	return m.run(ctx, inv, func(BookState) plan {
		return plan{
			payload: map[string]string{"operation": "set_fee", "fee_bps": fee.String()},
			effect: func(st *BookState) {
				st.FeeBps = fee
			},
		}
	})
}

var (
	_ stabilization.Handler = (*SupplyAdjuster)(nil)
	_ stabilization.Handler = (*ReserveRebalancer)(nil)
	_ stabilization.Handler = (*MarketModifier)(nil)
)
