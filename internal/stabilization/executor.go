package stabilization

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ActionKind names a corrective action.
type ActionKind string

const (
	ActionSupplyAdjustment            ActionKind = "supply_adjustment"
	ActionReserveRebalancing          ActionKind = "reserve_rebalancing"
	ActionMarketMechanismModification ActionKind = "market_mechanism_modification"
	// ActionAbortForRisk is the pseudo-action recorded when the risk gate trips.
	ActionAbortForRisk ActionKind = "abort_for_risk"
)

// actionOrder is the fixed execution order.
var actionOrder = [...]ActionKind{
	ActionSupplyAdjustment,
	ActionReserveRebalancing,
	ActionMarketMechanismModification,
}

// ActionOrder returns the fixed execution order.
func ActionOrder() []ActionKind {
	out := make([]ActionKind, len(actionOrder))
	copy(out, actionOrder[:])
	return out
}

// Invocation is what a handler receives. Handlers must use IdempotencyKey to
// make a repeated invocation for the same cycle a no-op.
type Invocation struct {
	CycleID  uuid.UUID
	Action   ActionKind
	Proposal CorrectionProposal
	Risk     RiskAssessment
}

// IdempotencyKey tags the invocation with its cycle.
func (i Invocation) IdempotencyKey() string {
	return i.CycleID.String() + ":" + string(i.Action)
}

// Handler applies one corrective action and returns details for the audit
// record.
type Handler interface {
	Apply(ctx context.Context, inv Invocation) (map[string]string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) (map[string]string, error)

// Apply implements Handler.
func (f HandlerFunc) Apply(ctx context.Context, inv Invocation) (map[string]string, error) {
	return f(ctx, inv)
}

// Handlers binds one handler per action kind.
type Handlers struct {
	Supply   Handler
	Reserves Handler
	Market   Handler
}

func (h Handlers) forKind(kind ActionKind) Handler {
	switch kind {
	case ActionSupplyAdjustment:
		return h.Supply
	case ActionReserveRebalancing:
		return h.Reserves
	case ActionMarketMechanismModification:
		return h.Market
	default:
		return nil
	}
}

// Executor runs the corrective pipeline for a cycle.
type Executor struct {
	handlers Handlers
	logger   zerolog.Logger
}

// NewExecutor wires the action handlers.
func NewExecutor(handlers Handlers, logger zerolog.Logger) *Executor {
	return &Executor{handlers: handlers, logger: logger.With().Str("component", "executor").Logger()}
}

// Execute gates on risk, then runs every action in order. Individual failures
// are recorded and never stop the remaining actions.
func (e *Executor) Execute(ctx context.Context, cycleID uuid.UUID, proposal CorrectionProposal, risk RiskAssessment, params Parameters) []ActionResult {
	threshold := params.RiskAcceptanceThreshold()
	if risk.Score > threshold {
		e.logger.Warn().
			Str("cycle_id", cycleID.String()).
			Float64("risk_score", risk.Score).
			Float64("threshold", threshold).
			Msg("risk above acceptance threshold; aborting cycle")
		return []ActionResult{{
			Action:  string(ActionAbortForRisk),
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("risk score %.4f exceeds acceptance threshold %.4f", risk.Score, threshold),
			Details: map[string]string{
				"risk_score": strconv.FormatFloat(risk.Score, 'f', -1, 64),
				"threshold":  strconv.FormatFloat(threshold, 'f', -1, 64),
			},
		}}
	}

	results := make([]ActionResult, 0, len(actionOrder))
	for _, kind := range actionOrder {
		inv := Invocation{CycleID: cycleID, Action: kind, Proposal: proposal, Risk: risk}
		results = append(results, e.run(ctx, e.handlers.forKind(kind), inv))
	}
	return results
}

func (e *Executor) run(ctx context.Context, handler Handler, inv Invocation) (result ActionResult) {
	result = ActionResult{Action: string(inv.Action)}
	if handler == nil {
		result.Outcome = OutcomeFailed
		result.Reason = "handler not configured"
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("action", string(inv.Action)).Interface("panic", r).Msg("action handler panicked")
			result = ActionResult{
				Action:  string(inv.Action),
				Outcome: OutcomeFailed,
				Reason:  fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	details, err := handler.Apply(ctx, inv)
	if err != nil {
		e.logger.Error().Err(err).
			Str("cycle_id", inv.CycleID.String()).
			Str("action", string(inv.Action)).
			Msg("action failed")
		result.Outcome = OutcomeFailed
		result.Reason = err.Error()
		result.SecurityFailure = IsSecurity(err)
		result.Details = details
		return result
	}

	result.Outcome = OutcomeSuccess
	result.Details = details
	return result
}
