// Package controller drives the stabilization cycle for one pair: fetch a
// price, decide, act, seal the audit profile and append it to the ledger.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"peg-stabilizer/internal/alerting"
	"peg-stabilizer/internal/audit"
	"peg-stabilizer/internal/ledger"
	"peg-stabilizer/internal/metrics"
	"peg-stabilizer/internal/oracle"
	"peg-stabilizer/internal/scheduler"
	"peg-stabilizer/internal/stabilization"
)

const notifyTimeout = 10 * time.Second

// ErrStopped is returned by RunOnce once RunForever has finished.
var ErrStopped = errors.New("controller: stopped")

// State is the controller lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config wires a controller. PairID, Oracle, Strategy, Scorer, Executor,
// Sealer and Ledger are required.
type Config struct {
	PairID   string
	Params   stabilization.Parameters
	Oracle   oracle.PriceOracle
	Strategy stabilization.Strategy
	Scorer   stabilization.RiskScorer
	Executor *stabilization.Executor
	Sealer   *audit.Sealer
	Ledger   ledger.Store

	// Volatility feeds the risk signal; nil means zero volatility.
	Volatility *stabilization.VolatilityTracker
	// Entropy supplies the opaque entropy handed to strategies.
	Entropy func() []byte

	Metrics  *metrics.Metrics
	Notifier alerting.Notifier
	Policy   alerting.Policy

	// Locker and LockKey coordinate RunForever across processes. A zero key
	// disables locking.
	Locker  ledger.AdvisoryLocker
	LockKey int64

	Schedule scheduler.Options
	Clock    func() time.Time
}

// Controller owns one pair's cycle. At most one cycle is in flight.
type Controller struct {
	cfg    Config
	logger zerolog.Logger
	clock  func() time.Time

	cycleMu sync.Mutex
	state   atomic.Int32
}

// New validates cfg and builds an idle controller.
func New(cfg Config, logger zerolog.Logger) (*Controller, error) {
	switch {
	case cfg.PairID == "":
		return nil, errors.New("controller: pair id required")
	case cfg.Params.Target().Sign() <= 0:
		return nil, fmt.Errorf("controller %s: %w: parameters not initialised", cfg.PairID, stabilization.ErrInvalidParameters)
	case cfg.Oracle == nil:
		return nil, fmt.Errorf("controller %s: oracle required", cfg.PairID)
	case cfg.Strategy == nil:
		return nil, fmt.Errorf("controller %s: strategy required", cfg.PairID)
	case cfg.Scorer == nil:
		return nil, fmt.Errorf("controller %s: risk scorer required", cfg.PairID)
	case cfg.Executor == nil:
		return nil, fmt.Errorf("controller %s: executor required", cfg.PairID)
	case cfg.Sealer == nil:
		return nil, fmt.Errorf("controller %s: sealer required", cfg.PairID)
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("controller %s: ledger required", cfg.PairID)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With().Str("component", "controller").Str("pair", cfg.PairID).Logger(),
	}, nil
}

// PairID returns the controlled pair.
func (c *Controller) PairID() string { return c.cfg.PairID }

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// RunOnce runs one full cycle and returns its finalised profile. A concurrent
// call waits for the in-flight cycle. Cycle failures are recorded in the
// profile; the error is non-nil only when no cycle ran (cancelled before
// start, or the controller is stopped).
func (c *Controller) RunOnce(ctx context.Context) (*audit.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return nil, ErrStopped
	}
	defer c.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))

	return c.cycle(ctx), nil
}

// RunForever repeats RunOnce every interval until ctx is cancelled, then
// moves the controller to Stopped. Only setup errors are returned.
func (c *Controller) RunForever(ctx context.Context, interval time.Duration) error {
	opts := c.cfg.Schedule
	opts.Interval = interval
	sched, err := scheduler.New(opts, c.logger)
	if err != nil {
		return fmt.Errorf("controller %s: %w", c.cfg.PairID, err)
	}

	c.logger.Info().Dur("interval", interval).Msg("stabilization loop started")
	err = sched.Run(ctx, c.Tick)

	c.cycleMu.Lock()
	c.state.Store(int32(StateStopped))
	c.cycleMu.Unlock()
	c.logger.Info().Msg("stabilization loop stopped")

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Tick runs one scheduled cycle unless another process holds the pair lock.
func (c *Controller) Tick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := c.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		c.cfg.Metrics.IncrementLockSkip(c.cfg.PairID)
		c.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Controller) acquireLock(ctx context.Context) (func(), bool, error) {
	if c.cfg.LockKey == 0 || c.cfg.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := c.cfg.Locker.TryAdvisoryLock(ctx, ledger.PairLockKey(c.cfg.LockKey, c.cfg.PairID))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (c *Controller) cycle(ctx context.Context) *audit.Profile {
	started := c.clock()
	profile := audit.NewProfile(c.cfg.PairID, started)
	log := c.logger.With().Str("profile_id", profile.ID.String()).Logger()
	var ev audit.Evidence

	// From here on every exit path finalises the profile on a detached
	// context so a cancelled caller still gets an appended record.
	detached := context.WithoutCancel(ctx)
	finish := func() *audit.Profile {
		c.finalise(detached, profile, ev, started, log)
		return profile
	}

	sample, err := c.cfg.Oracle.FetchPrice(ctx, c.cfg.PairID)
	if err != nil {
		if ctx.Err() != nil {
			profile.Reject("cycle cancelled before decision: " + ctx.Err().Error())
		} else {
			profile.Reject("price unavailable: " + err.Error())
		}
		log.Warn().Err(err).Msg("price fetch failed; no action taken")
		return finish()
	}
	ev.Sample = &sample
	if c.cfg.Volatility != nil {
		c.cfg.Volatility.Observe(sample)
	}

	detection := stabilization.Detect(sample, c.cfg.Params)
	ev.Detection = &detection
	c.cfg.Metrics.ObserveSample(c.cfg.PairID, sample.Value.InexactFloat64(), detection.Delta.InexactFloat64())

	if !detection.Deviated {
		profile.Status = audit.StatusCommitted
		log.Debug().Str("price", sample.Value.String()).Str("delta", detection.Delta.String()).Msg("price within threshold")
		return finish()
	}

	if err := ctx.Err(); err != nil {
		profile.Reject("cycle cancelled before decision: " + err.Error())
		return finish()
	}

	signals := c.signals()
	ev.Signals = &signals

	proposal, err := c.cfg.Strategy.Propose(sample.Value, c.cfg.Params.Target(), signals)
	if err != nil {
		profile.Reject(fmt.Sprintf("strategy %s: %v", c.cfg.Strategy.Name(), err))
		log.Error().Err(err).Msg("strategy failed; no action taken")
		return finish()
	}
	ev.Proposal = &proposal

	risk := c.cfg.Scorer.Assess(proposal, signals)
	ev.Risk = &risk
	profile.RiskScore = risk.Score
	c.cfg.Metrics.ObserveRisk(c.cfg.PairID, risk.Score)

	log.Info().
		Str("price", sample.Value.String()).
		Str("delta", detection.Delta.String()).
		Str("factor", proposal.Factor.String()).
		Float64("risk_score", risk.Score).
		Msg("deviation detected; executing correction")

	// Decision point: the actions run to completion even if ctx is cancelled.
	results := c.cfg.Executor.Execute(detached, profile.ID, proposal, risk, c.cfg.Params)
	profile.ActionResults = results
	for _, r := range results {
		if !r.Succeeded() {
			c.cfg.Metrics.IncrementActionFailure(c.cfg.PairID, r.Action, r.SecurityFailure)
		}
	}
	profile.Status, profile.Reason = audit.Decide(results)
	return finish()
}

func (c *Controller) signals() stabilization.Signals {
	var s stabilization.Signals
	if c.cfg.Volatility != nil {
		s.Volatility = c.cfg.Volatility.Signal()
	}
	if c.cfg.Entropy != nil {
		s.Entropy = c.cfg.Entropy()
	}
	return s
}

// NotRecordedPrefix marks the reason of a profile the ledger refused.
const NotRecordedPrefix = "not recorded: "

// finalise seals, appends and reports the profile. Failures are logged; the
// profile itself carries the security outcome. A profile the ledger refused
// keeps its status but gains a NotRecordedPrefix note, so its signature no
// longer verifies.
func (c *Controller) finalise(ctx context.Context, p *audit.Profile, ev audit.Evidence, started time.Time, log zerolog.Logger) {
	if err := c.cfg.Sealer.Seal(ctx, p, ev); err != nil {
		log.Error().Err(err).Str("reason", p.Reason).Msg("profile rejected during sealing")
	}

	if rec, err := c.cfg.Ledger.Append(ctx, p); err != nil {
		c.cfg.Metrics.IncrementLedgerAppendError(c.cfg.PairID)
		p.Note(NotRecordedPrefix + err.Error())
		log.Error().Err(err).Str("status", string(p.Status)).Msg("failed to append profile to ledger")
	} else {
		log.Info().
			Str("status", string(p.Status)).
			Str("reason", p.Reason).
			Uint64("sequence", rec.Sequence).
			Msg("cycle recorded")
	}

	c.cfg.Metrics.ObserveCycle(c.cfg.PairID, string(p.Status), c.clock().Sub(started))
	c.notify(ctx, p, ev, log)
}

func (c *Controller) notify(ctx context.Context, p *audit.Profile, ev audit.Evidence, log zerolog.Logger) {
	if c.cfg.Notifier == nil || !c.cfg.Policy.ShouldNotify(string(p.Status), len(p.ActionResults) > 0) {
		return
	}

	note := alerting.Notification{
		PairID:    p.PairID,
		ProfileID: p.ID.String(),
		CreatedAt: p.CreatedAt,
		Status:    string(p.Status),
		Reason:    p.Reason,
		Target:    c.cfg.Params.Target(),
		RiskScore: p.RiskScore,
	}
	if ev.Sample != nil {
		note.Price = ev.Sample.Value
	}
	if ev.Detection != nil {
		note.Delta = ev.Detection.Delta
	}
	for _, r := range p.ActionResults {
		note.Actions = append(note.Actions, r.Action+"="+string(r.Outcome))
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := c.cfg.Notifier.Notify(ctx, note); err != nil {
		log.Error().Err(err).Msg("failed to dispatch alert")
	}
}
