package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/execution"
	"github.com/web3guy0/pairbot/gateway"
	"github.com/web3guy0/pairbot/metrics"
	"github.com/web3guy0/pairbot/risk"
	"github.com/web3guy0/pairbot/storage"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CYCLE CONTROLLER - One BUILD/UNWIND round trip, driven as a state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Idle → BuildPlacing → BuildVerifying → BuildComplete
//        → UnwindReady → UnwindPlacing → UnwindVerifying → UnwindComplete → Idle
//
// Any phase can collapse to Error. The controller never recovers from Error
// on its own; the scheduler decides whether to flatten and Reset.
//
// The two legs are a unit. A build that opens only one side is worse than no
// build at all, so every asymmetric outcome funnels into forced closure of
// whatever opened.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RiskApprover guards cycle starts and books cycle results. Declared here so
// risk never has to import core.
type RiskApprover interface {
	PreTradeCheck(legs []types.Leg, marks map[string]decimal.Decimal) types.RiskVerdict
	PostTradeCheck(res types.CycleResult) error
	Halted() bool
	HaltReason() string
}

// CycleNotifier pushes cycle events to the outside world (Telegram)
type CycleNotifier interface {
	NotifyCycle(res types.CycleResult)
	NotifyEmergency(ticker, detail string)
	NotifyHalt(reason string)
}

// transitions lists the legal forward edges. Error is reachable from every
// non-terminal phase and is handled outside the table.
var transitions = map[types.Phase][]types.Phase{
	types.PhaseIdle:            {types.PhaseBuildPlacing},
	types.PhaseBuildPlacing:    {types.PhaseBuildVerifying},
	types.PhaseBuildVerifying:  {types.PhaseBuildComplete, types.PhaseIdle},
	types.PhaseBuildComplete:   {types.PhaseUnwindReady},
	types.PhaseUnwindReady:     {types.PhaseUnwindPlacing},
	types.PhaseUnwindPlacing:   {types.PhaseUnwindVerifying},
	types.PhaseUnwindVerifying: {types.PhaseUnwindComplete},
	types.PhaseUnwindComplete:  {types.PhaseIdle},
	types.PhaseError:           {types.PhaseIdle},
}

// ControllerConfig holds cycle timing and sizing settings
type ControllerConfig struct {
	TargetNotional       decimal.Decimal
	BuildVerifyAttempts  int
	BuildVerifyInterval  time.Duration
	UnwindVerifyAttempts int
	UnwindVerifyInterval time.Duration
	CycleHold            time.Duration // dwell between build and unwind
	Solver               risk.SolverConfig
}

// DefaultControllerConfig returns sensible defaults
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		TargetNotional:       decimal.NewFromInt(100),
		BuildVerifyAttempts:  5,
		BuildVerifyInterval:  time.Second,
		UnwindVerifyAttempts: 5,
		UnwindVerifyInterval: 2 * time.Second,
		Solver:               risk.DefaultSolverConfig(),
	}
}

// Controller drives one cycle at a time through the phase machine
type Controller struct {
	mu sync.RWMutex

	cfg      ControllerConfig
	gw       gateway.ExchangeGateway
	router   *execution.Router
	rec      *execution.Reconciler
	unwinder *execution.Unwinder
	governor RiskApprover
	journal  *storage.Journal

	instA types.Instrument
	instB types.Instrument

	state    types.CycleState
	notifier CycleNotifier
}

// NewController creates a cycle controller for one instrument pair
func NewController(
	gw gateway.ExchangeGateway,
	router *execution.Router,
	rec *execution.Reconciler,
	unwinder *execution.Unwinder,
	governor RiskApprover,
	journal *storage.Journal,
	instA, instB types.Instrument,
	cfg ControllerConfig,
) *Controller {
	log.Info().
		Str("leg_a", instA.Ticker).
		Str("leg_b", instB.Ticker).
		Str("target_notional", cfg.TargetNotional.StringFixed(2)).
		Msg("🔁 Cycle controller initialized")
	return &Controller{
		cfg:      cfg,
		gw:       gw,
		router:   router,
		rec:      rec,
		unwinder: unwinder,
		governor: governor,
		journal:  journal,
		instA:    instA,
		instB:    instB,
		state:    types.CycleState{Phase: types.PhaseIdle},
	}
}

// SetNotifier sets the callback sink for cycle events
func (c *Controller) SetNotifier(n CycleNotifier) {
	c.notifier = n
}

// Status returns a copy of the in-flight cycle state
func (c *Controller) Status() types.CycleState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.state
	if c.state.LegA != nil {
		legA := *c.state.LegA
		out.LegA = &legA
	}
	if c.state.LegB != nil {
		legB := *c.state.LegB
		out.LegB = &legB
	}
	return out
}

// Phase returns the current phase
func (c *Controller) Phase() types.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Phase
}

// ═══════════════════════════════════════════════════════════════════════════════
// CYCLE EXECUTION
// ═══════════════════════════════════════════════════════════════════════════════

// RunCycle executes one full BUILD → UNWIND round trip.
//
//	(true,  nil) full round trip, PnL realized and booked
//	(false, nil) nothing at risk: denied, no-trade, or a recovered
//	             asymmetric build that ended verified flat
//	(false, err) terminal failure, controller parked in Error
func (c *Controller) RunCycle(ctx context.Context, pattern types.Pattern) (bool, error) {
	c.mu.Lock()
	if c.state.Phase != types.PhaseIdle {
		c.mu.Unlock()
		return false, types.ErrCycleInFlight
	}
	c.state = types.CycleState{
		ID:        uuid.NewString()[:8],
		Pattern:   pattern,
		Phase:     types.PhaseIdle,
		StartedAt: time.Now(),
	}
	c.mu.Unlock()

	log.Info().
		Str("cycle", c.state.ID).
		Str("pattern", string(pattern)).
		Msg("🚀 Cycle starting")

	// ══════════════════════════════════════════════════════════════════════════
	// PRE-FLIGHT: both books flat, quantities solvable, risk happy
	// ══════════════════════════════════════════════════════════════════════════

	for _, ticker := range []string{c.instA.Ticker, c.instB.Ticker} {
		pos, err := c.rec.Snapshot(ctx, ticker)
		if err != nil {
			return c.fail(err, "pre-flight position query")
		}
		if !c.rec.Flat(pos) {
			return c.fail(fmt.Errorf("%s holds %s before build", ticker, pos), "pre-flight not flat")
		}
	}

	marks, err := c.currentMarks(ctx)
	if err != nil {
		return c.fail(err, "pre-flight mark query")
	}

	legA, legB := c.buildLegs(pattern)
	solved, err := risk.BalancedQuantities(
		c.cfg.TargetNotional,
		marks[c.instA.Ticker], marks[c.instB.Ticker],
		c.instA.LotSize, c.instB.LotSize,
		c.cfg.Solver,
	)
	if err != nil {
		log.Warn().Err(err).Str("cycle", c.state.ID).Msg("🚫 No balanced quantities, skipping cycle")
		c.finishDenied("sizing: " + err.Error())
		return false, nil
	}
	legA.Qty, legB.Qty = solved.QtyA, solved.QtyB

	c.mu.Lock()
	c.state.LegA, c.state.LegB = &legA, &legB
	c.mu.Unlock()

	if verdict := c.governor.PreTradeCheck([]types.Leg{legA, legB}, marks); !verdict.Allowed {
		c.finishDenied(verdict.Reason)
		return false, nil
	}

	log.Info().
		Str("cycle", c.state.ID).
		Str(c.instA.Ticker, fmt.Sprintf("%s %s", legA.Direction, legA.Qty)).
		Str(c.instB.Ticker, fmt.Sprintf("%s %s", legB.Direction, legB.Qty)).
		Str("imbalance", solved.Imbalance.Mul(decimal.NewFromInt(100)).StringFixed(3)+"%").
		Msg("⚖️ Quantities solved")

	// ══════════════════════════════════════════════════════════════════════════
	// BUILD: open both legs as a unit
	// ══════════════════════════════════════════════════════════════════════════

	if err := c.advance(types.PhaseBuildPlacing); err != nil {
		return c.fail(err, "phase machine")
	}

	buildFills, buildErrs := c.placeLegs(ctx, types.PhaseBuildPlacing)
	c.applyEntries(buildFills)
	if buildErrs[0] != nil || buildErrs[1] != nil {
		// Order-level failure is not yet position truth. Verification below
		// reads the venue and decides what actually stuck.
		log.Warn().
			Str("cycle", c.state.ID).
			Err(firstError(buildErrs)).
			Msg("⚠️ Build leg reported failure, verifying what opened")
	}

	if err := c.advance(types.PhaseBuildVerifying); err != nil {
		return c.fail(err, "phase machine")
	}

	switch outcome, openTicker, detail := c.verifyBuild(ctx); outcome {
	case buildVerified:
		// fall through below
	case buildNone:
		c.finishAborted("build opened nothing: " + detail)
		return false, nil
	case buildOneLeg:
		return c.recoverSingleLeg(ctx, openTicker, detail)
	default:
		return c.fail(&types.VerifyTimeoutError{
			Phase:    types.PhaseBuildVerifying,
			Attempts: c.cfg.BuildVerifyAttempts,
		}, "build verification: "+detail)
	}

	if err := c.advance(types.PhaseBuildComplete); err != nil {
		return c.fail(err, "phase machine")
	}
	log.Info().Str("cycle", c.state.ID).Msg("✅ Build verified on both legs")

	if c.cfg.CycleHold > 0 {
		select {
		case <-ctx.Done():
			// Shutdown mid-hold: skip the dwell, the unwind below still runs.
		case <-time.After(c.cfg.CycleHold):
		}
	}

	// ══════════════════════════════════════════════════════════════════════════
	// UNWIND: close both legs. Once built, closing outranks cancellation.
	// ══════════════════════════════════════════════════════════════════════════

	uCtx := c.recoveryCtx(ctx)

	if err := c.advance(types.PhaseUnwindReady); err != nil {
		return c.fail(err, "phase machine")
	}
	if err := c.advance(types.PhaseUnwindPlacing); err != nil {
		return c.fail(err, "phase machine")
	}

	unwindFills, unwindErrs := c.placeLegs(uCtx, types.PhaseUnwindPlacing)
	c.applyExits(unwindFills)
	if unwindErrs[0] != nil || unwindErrs[1] != nil {
		log.Warn().
			Str("cycle", c.state.ID).
			Err(firstError(unwindErrs)).
			Msg("⚠️ Unwind leg incomplete, verification decides")
	}

	if err := c.advance(types.PhaseUnwindVerifying); err != nil {
		return c.fail(err, "phase machine")
	}

	if ok, detail := c.verifyUnwind(uCtx); !ok {
		// Still exposed after the allotted polls. Recovery belongs to the
		// scheduler, which gets exactly one forced-flatten attempt.
		if c.notifier != nil {
			c.notifier.NotifyEmergency(c.instA.Ticker+"/"+c.instB.Ticker, "unwind incomplete: "+detail)
		}
		return c.fail(&types.VerifyTimeoutError{
			Phase:    types.PhaseUnwindVerifying,
			Attempts: c.cfg.UnwindVerifyAttempts,
		}, "unwind verification: "+detail)
	}

	if err := c.advance(types.PhaseUnwindComplete); err != nil {
		return c.fail(err, "phase machine")
	}

	// ══════════════════════════════════════════════════════════════════════════
	// ACCOUNTING
	// ══════════════════════════════════════════════════════════════════════════

	res := c.buildResult(true, "")
	c.persistCycle("completed", "")
	metrics.IncCycle("completed")

	log.Info().
		Str("cycle", c.state.ID).
		Str("pnl", res.PnL.StringFixed(4)).
		Str("volume", res.Volume.StringFixed(2)).
		Dur("took", res.Duration).
		Msg("🏁 Cycle complete")

	wasHalted := c.governor.Halted()
	if err := c.governor.PostTradeCheck(res); err != nil {
		// The cycle itself finished; the breach blocks the next one.
		log.Error().Err(err).Str("cycle", c.state.ID).Msg("🛑 Post-trade breach")
	}
	if c.notifier != nil {
		c.notifier.NotifyCycle(res)
		// A halt the accounting just latched (loss limit, profit or volume
		// target) has no other route to the operator.
		if !wasHalted && c.governor.Halted() {
			c.notifier.NotifyHalt(c.governor.HaltReason())
		}
	}

	if err := c.advance(types.PhaseIdle); err != nil {
		return c.fail(err, "phase machine")
	}
	return true, nil
}

// Reset returns the controller to Idle after an Error, refusing while the
// venue still shows exposure on either leg.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.RLock()
	phase := c.state.Phase
	c.mu.RUnlock()

	if phase == types.PhaseIdle {
		return nil
	}
	if phase != types.PhaseError {
		return &types.InvalidTransitionError{From: phase, To: types.PhaseIdle}
	}

	for _, ticker := range []string{c.instA.Ticker, c.instB.Ticker} {
		pos, err := c.rec.Snapshot(ctx, ticker)
		if err != nil {
			return err
		}
		if !c.rec.Flat(pos) {
			return fmt.Errorf("reset refused: %s still holds %s", ticker, pos)
		}
	}

	c.mu.Lock()
	c.state.Phase = types.PhaseIdle
	c.state.LastError = ""
	c.mu.Unlock()
	metrics.SetPhase(types.PhaseIdle)
	log.Info().Msg("✅ Controller reset to idle")
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PLACEMENT & VERIFICATION
// ═══════════════════════════════════════════════════════════════════════════════

type legOutcome struct {
	idx int
	res types.FillResult
	err error
}

// placeLegs fires both legs concurrently. During a build, the first leg to
// fail cuts its sibling loose immediately instead of letting it keep
// working toward a one-sided book.
func (c *Controller) placeLegs(ctx context.Context, phase types.Phase) ([2]types.FillResult, [2]error) {
	legs := [2]*types.Leg{c.state.LegA, c.state.LegB}
	ch := make(chan legOutcome, 2)
	for i, leg := range legs {
		go func(i int, leg *types.Leg) {
			res, err := c.router.Place(ctx, c.state.ID, leg, phase)
			ch <- legOutcome{idx: i, res: res, err: err}
		}(i, leg)
	}

	var fills [2]types.FillResult
	var errs [2]error
	for n := 0; n < 2; n++ {
		out := <-ch
		fills[out.idx], errs[out.idx] = out.res, out.err
		if out.err != nil && n == 0 && phase == types.PhaseBuildPlacing {
			sibling := legs[1-out.idx].Ticker
			if _, cancelErr := c.router.CancelOutstanding(ctx, sibling); cancelErr != nil {
				log.Error().Err(cancelErr).Str("ticker", sibling).Msg("❌ Sibling cancel failed")
			}
		}
	}
	return fills, errs
}

// buildOutcome classifies what the venue shows after build verification
type buildOutcome int

const (
	buildVerified buildOutcome = iota // both legs open in the expected direction
	buildNone                         // neither leg opened, book flat
	buildOneLeg                       // exactly one leg open, the dangerous case
	buildUnknown                      // wrong sign, query failure, or cancelled
)

// verifyBuild polls until both legs show authoritative positions in their
// expected directions. Classification of a failed build happens only on the
// final attempt's fresh reads.
func (c *Controller) verifyBuild(ctx context.Context) (buildOutcome, string, string) {
	legs := [2]*types.Leg{c.state.LegA, c.state.LegB}
	tol := c.rec.Tolerance()

	var pos [2]decimal.Decimal
	var readErr error
	for attempt := 1; attempt <= c.cfg.BuildVerifyAttempts; attempt++ {
		readErr = nil
		for i, leg := range legs {
			p, _, err := c.rec.Reconcile(ctx, leg.Ticker)
			if err != nil {
				readErr = fmt.Errorf("%s: %w", leg.Ticker, err)
				break
			}
			pos[i] = p
		}
		if readErr == nil {
			openA := pos[0].Mul(legs[0].Direction.Sign()).GreaterThan(tol)
			openB := pos[1].Mul(legs[1].Direction.Sign()).GreaterThan(tol)
			if openA && openB {
				return buildVerified, "", ""
			}
		}
		log.Debug().
			Str("cycle", c.state.ID).
			Int("attempt", attempt).
			Int("of", c.cfg.BuildVerifyAttempts).
			Str(legs[0].Ticker, pos[0].String()).
			Str(legs[1].Ticker, pos[1].String()).
			Msg("Build verification pending")
		if attempt < c.cfg.BuildVerifyAttempts {
			select {
			case <-ctx.Done():
				return buildUnknown, "", "cancelled during verification"
			case <-time.After(c.cfg.BuildVerifyInterval):
			}
		}
	}
	if readErr != nil {
		return buildUnknown, "", readErr.Error()
	}

	detail := fmt.Sprintf("%s at %s, %s at %s", legs[0].Ticker, pos[0], legs[1].Ticker, pos[1])
	openA := pos[0].Mul(legs[0].Direction.Sign()).GreaterThan(tol)
	openB := pos[1].Mul(legs[1].Direction.Sign()).GreaterThan(tol)
	flatA := c.rec.Flat(pos[0])
	flatB := c.rec.Flat(pos[1])
	switch {
	case flatA && flatB:
		return buildNone, "", detail
	case openA && flatB:
		return buildOneLeg, legs[0].Ticker, detail
	case openB && flatA:
		return buildOneLeg, legs[1].Ticker, detail
	default:
		// Wrong sign or partial mush the flatten machinery has to sort out.
		return buildUnknown, "", detail
	}
}

// verifyUnwind polls until both legs read flat
func (c *Controller) verifyUnwind(ctx context.Context) (bool, string) {
	legs := [2]*types.Leg{c.state.LegA, c.state.LegB}
	detail := ""
	for attempt := 1; attempt <= c.cfg.UnwindVerifyAttempts; attempt++ {
		flatBoth := true
		detail = ""
		for _, leg := range legs {
			pos, _, err := c.rec.Reconcile(ctx, leg.Ticker)
			if err != nil {
				flatBoth = false
				detail = fmt.Sprintf("%s: %v", leg.Ticker, err)
				break
			}
			if !c.rec.Flat(pos) {
				flatBoth = false
				detail = fmt.Sprintf("%s still holds %s", leg.Ticker, pos)
			}
		}
		if flatBoth {
			return true, ""
		}
		log.Debug().
			Str("cycle", c.state.ID).
			Int("attempt", attempt).
			Int("of", c.cfg.UnwindVerifyAttempts).
			Str("detail", detail).
			Msg("Unwind verification pending")
		if attempt < c.cfg.UnwindVerifyAttempts {
			select {
			case <-ctx.Done():
				return false, "cancelled: " + detail
			case <-time.After(c.cfg.UnwindVerifyInterval):
			}
		}
	}
	return false, detail
}

// recoverSingleLeg flattens the one leg that opened when its sibling did
// not. A verified flat book downgrades the cycle to a recovered no-trade;
// a failed flatten is terminal.
func (c *Controller) recoverSingleLeg(ctx context.Context, ticker, detail string) (bool, error) {
	flat := c.instA.Ticker
	if ticker == flat {
		flat = c.instB.Ticker
	}
	reason := (&types.AsymmetricFillError{OpenTicker: ticker, FlatTicker: flat}).Error() + ": " + detail
	log.Warn().Str("cycle", c.state.ID).Str("ticker", ticker).Str("detail", detail).Msg("⚠️ One leg open, flattening it")
	if c.notifier != nil {
		c.notifier.NotifyEmergency(ticker, reason)
	}

	fill, err := c.unwinder.Flatten(c.recoveryCtx(ctx), c.state.ID, ticker)
	if err != nil {
		return c.fail(err, reason)
	}
	c.applyEmergencyExits(map[string]types.FillResult{ticker: fill})

	res := c.buildResult(false, reason)
	wasHalted := c.governor.Halted()
	if res.Volume.IsPositive() {
		// Recovery costs are real PnL and count against the limits.
		if err := c.governor.PostTradeCheck(res); err != nil {
			log.Error().Err(err).Str("cycle", c.state.ID).Msg("🛑 Post-trade breach")
		}
	}
	c.finishAborted(reason)
	if c.notifier != nil {
		c.notifier.NotifyCycle(res)
		if !wasHalted && c.governor.Halted() {
			c.notifier.NotifyHalt(c.governor.HaltReason())
		}
	}
	return false, nil
}

// finishAborted books a cycle that opened nothing durable and returns the
// controller to Idle
func (c *Controller) finishAborted(reason string) {
	c.persistCycle("aborted", reason)
	metrics.IncCycle("aborted")
	c.mu.Lock()
	c.state.Phase = types.PhaseIdle
	c.state.LastError = reason
	c.mu.Unlock()
	metrics.SetPhase(types.PhaseIdle)
	log.Info().Str("cycle", c.state.ID).Str("reason", reason).Msg("♻️ Cycle aborted, book flat")
}

// recoveryCtx keeps recovery alive through shutdown. The unwinder carries
// its own deadline.
func (c *Controller) recoveryCtx(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATE & BOOKKEEPING
// ═══════════════════════════════════════════════════════════════════════════════

// advance moves the phase machine along a legal edge
func (c *Controller) advance(to types.Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.state.Phase
	legal := false
	for _, p := range transitions[from] {
		if p == to {
			legal = true
			break
		}
	}
	if !legal {
		return &types.InvalidTransitionError{From: from, To: to}
	}
	c.state.Phase = to
	metrics.SetPhase(to)
	log.Debug().Str("cycle", c.state.ID).Str("from", string(from)).Str("to", string(to)).Msg("Phase")
	return nil
}

// fail parks the controller in Error. Reachable from every phase.
func (c *Controller) fail(err error, when string) (bool, error) {
	c.mu.Lock()
	c.state.Phase = types.PhaseError
	c.state.LastError = err.Error()
	c.mu.Unlock()
	metrics.SetPhase(types.PhaseError)
	metrics.IncCycle("failed")
	c.persistCycle("failed", when+": "+err.Error())

	log.Error().
		Err(err).
		Str("cycle", c.state.ID).
		Str("when", when).
		Msg("💥 Cycle failed, controller in ERROR")
	return false, err
}

// finishDenied books a cycle that never placed an order
func (c *Controller) finishDenied(reason string) {
	c.persistCycle("denied", reason)
	metrics.IncCycle("denied")
	c.mu.Lock()
	c.state.LastError = reason
	c.mu.Unlock()
	log.Info().Str("cycle", c.state.ID).Str("reason", reason).Msg("🚫 Cycle denied, nothing placed")
}

// buildLegs derives leg directions from the pattern
func (c *Controller) buildLegs(pattern types.Pattern) (types.Leg, types.Leg) {
	dirA, dirB := types.SideBuy, types.SideSell
	if pattern == types.PatternSellFirst {
		dirA, dirB = types.SideSell, types.SideBuy
	}
	mk := func(inst types.Instrument, dir types.Side) types.Leg {
		return types.Leg{
			Ticker:         inst.Ticker,
			Direction:      dir,
			TargetNotional: c.cfg.TargetNotional,
			TickSize:       inst.TickSize,
			LotSize:        inst.LotSize,
		}
	}
	return mk(c.instA, dirA), mk(c.instB, dirB)
}

// currentMarks reads both book mids for sizing
func (c *Controller) currentMarks(ctx context.Context) (map[string]decimal.Decimal, error) {
	two := decimal.NewFromInt(2)
	marks := make(map[string]decimal.Decimal, 2)
	for _, ticker := range []string{c.instA.Ticker, c.instB.Ticker} {
		book, err := c.gw.QueryBookTop(ctx, ticker)
		if err != nil {
			return nil, &types.TransientError{Op: "mark query " + ticker, Err: err}
		}
		marks[ticker] = book.Bid.Add(book.Ask).Div(two)
	}
	return marks, nil
}

// applyEntries writes build fills into the legs. Filled quantity is truth;
// the solver's plan stops mattering the moment the venue reports.
func (c *Controller) applyEntries(fills [2]types.FillResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, leg := range [2]*types.Leg{c.state.LegA, c.state.LegB} {
		leg.Qty = fills[i].FilledQty
		leg.EntryPrice = fills[i].AvgPrice
		leg.EntryFeeBps = fills[i].FeeBps
		leg.EntryStrategy = fills[i].Strategy
		leg.EntryTime = time.Now()
	}
}

// applyExits writes unwind fills into the legs
func (c *Controller) applyExits(fills [2]types.FillResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, leg := range [2]*types.Leg{c.state.LegA, c.state.LegB} {
		if !fills[i].FilledQty.IsPositive() {
			continue
		}
		leg.ExitPrice = fills[i].AvgPrice
		leg.ExitFeeBps = fills[i].FeeBps
		leg.ExitStrategy = fills[i].Strategy
		leg.ExitTime = time.Now()
	}
}

// applyEmergencyExits folds forced-closure fills into the legs' exit side,
// quantity-weighted against whatever the regular unwind already did
func (c *Controller) applyEmergencyExits(fills map[string]types.FillResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, leg := range [2]*types.Leg{c.state.LegA, c.state.LegB} {
		if leg == nil {
			continue
		}
		fill, ok := fills[leg.Ticker]
		if !ok || !fill.FilledQty.IsPositive() {
			continue
		}
		if leg.ExitPrice.IsPositive() && leg.ExitTime != (time.Time{}) {
			// Partial regular exit plus emergency remainder.
			prevQty := leg.Qty.Sub(fill.FilledQty)
			if prevQty.IsNegative() {
				prevQty = decimal.Zero
			}
			total := prevQty.Add(fill.FilledQty)
			if total.IsPositive() {
				leg.ExitPrice = leg.ExitPrice.Mul(prevQty).Add(fill.AvgPrice.Mul(fill.FilledQty)).Div(total)
				leg.ExitFeeBps = leg.ExitFeeBps.Mul(prevQty).Add(fill.FeeBps.Mul(fill.FilledQty)).Div(total)
			}
		} else {
			leg.ExitPrice = fill.AvgPrice
			leg.ExitFeeBps = fill.FeeBps
		}
		leg.ExitStrategy = execution.TierEmergency
		leg.ExitTime = time.Now()
	}
}

// buildResult computes the cycle's economics from actual fills
func (c *Controller) buildResult(completed bool, reason string) types.CycleResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pnl, volume, fees := decimal.Zero, decimal.Zero, decimal.Zero
	bps := decimal.NewFromInt(10000)
	for _, leg := range [2]*types.Leg{c.state.LegA, c.state.LegB} {
		if leg == nil || !leg.Qty.IsPositive() {
			continue
		}
		volume = volume.Add(leg.Notional(leg.EntryPrice))
		fees = fees.Add(leg.EntryPrice.Mul(leg.Qty).Mul(leg.EntryFeeBps).Div(bps))
		if leg.ExitPrice.IsPositive() {
			volume = volume.Add(leg.Notional(leg.ExitPrice))
			fees = fees.Add(leg.ExitPrice.Mul(leg.Qty).Mul(leg.ExitFeeBps).Div(bps))
			pnl = pnl.Add(leg.RealizedPnL())
		}
	}
	return types.CycleResult{
		CycleID:    c.state.ID,
		Pattern:    c.state.Pattern,
		PnL:        pnl,
		Volume:     volume,
		Fees:       fees,
		Duration:   time.Since(c.state.StartedAt),
		Completed:  completed,
		FailReason: reason,
	}
}

// persistCycle journals the cycle under the given outcome
func (c *Controller) persistCycle(outcome, reason string) {
	if c.journal == nil {
		return
	}
	c.mu.RLock()
	rec := &storage.CycleRecord{
		ID:         c.state.ID,
		Pattern:    string(c.state.Pattern),
		Outcome:    outcome,
		FailReason: reason,
		DurationMs: time.Since(c.state.StartedAt).Milliseconds(),
		StartedAt:  c.state.StartedAt,
	}
	if legA := c.state.LegA; legA != nil {
		rec.TickerA = legA.Ticker
		rec.DirectionA = string(legA.Direction)
		rec.QtyA = legA.Qty
		rec.EntryPriceA = legA.EntryPrice
		rec.ExitPriceA = legA.ExitPrice
		rec.EntryTierA = legA.EntryStrategy
		rec.ExitTierA = legA.ExitStrategy
	}
	if legB := c.state.LegB; legB != nil {
		rec.TickerB = legB.Ticker
		rec.DirectionB = string(legB.Direction)
		rec.QtyB = legB.Qty
		rec.EntryPriceB = legB.EntryPrice
		rec.ExitPriceB = legB.ExitPrice
		rec.EntryTierB = legB.EntryStrategy
		rec.ExitTierB = legB.ExitStrategy
	}
	c.mu.RUnlock()

	res := c.buildResult(outcome == "completed", reason)
	rec.PnL = res.PnL
	rec.Volume = res.Volume
	rec.Fees = res.Fees

	if err := c.journal.SaveCycle(rec); err != nil {
		log.Error().Err(err).Str("cycle", rec.ID).Msg("❌ Failed to journal cycle")
	}
}

func firstError(errs [2]error) error {
	if errs[0] != nil {
		return errs[0]
	}
	return errs[1]
}
