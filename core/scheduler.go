package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/execution"
	"github.com/web3guy0/pairbot/gateway"
	"github.com/web3guy0/pairbot/metrics"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEDULER - Owns the cycle cadence and every watcher goroutine
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three loops:
//   cycle loop     runs one cycle at a time, CycleInterval apart
//   health watcher mirrors gateway connectivity into metrics
//   delta watcher  prices the current net delta; a breach forces closure
//                  regardless of what phase the controller is in
//
// Error policy: exactly one automatic recovery attempt (flatten both legs).
// After it the controller stays in Error until an operator calls Resume.
// The scheduler never loops cycles while the controller is in Error.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RiskReporter is the slice of governor surface the scheduler needs beyond
// approvals
type RiskReporter interface {
	RiskApprover
	ForceHalt(reason string)
	ResetHalt()
	Metrics(marks map[string]decimal.Decimal) types.RiskMetrics
}

// SchedulerConfig holds loop cadence and stop conditions
type SchedulerConfig struct {
	Pattern           types.Pattern
	CycleInterval     time.Duration
	MaxCycles         int // completed round trips before a graceful stop, zero = unlimited
	HealthInterval    time.Duration
	NetDeltaThreshold decimal.Decimal // watcher bound, zero disables
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Pattern:        types.PatternBuyFirst,
		CycleInterval:  30 * time.Second,
		HealthInterval: 10 * time.Second,
	}
}

// Scheduler drives the controller on a cadence and supervises recovery
type Scheduler struct {
	mu sync.Mutex

	cfg        SchedulerConfig
	controller *Controller
	unwinder   *execution.Unwinder
	rec        *execution.Reconciler
	governor   RiskReporter
	gw         gateway.ExchangeGateway
	marks      gateway.MarkSource // optional, nil falls back to book mids
	notifier   CycleNotifier

	instA types.Instrument
	instB types.Instrument

	running      bool
	inCycle      bool
	recoveryUsed bool
	completed    int
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewScheduler creates the cycle scheduler
func NewScheduler(
	controller *Controller,
	unwinder *execution.Unwinder,
	rec *execution.Reconciler,
	governor RiskReporter,
	gw gateway.ExchangeGateway,
	instA, instB types.Instrument,
	cfg SchedulerConfig,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		controller: controller,
		unwinder:   unwinder,
		rec:        rec,
		governor:   governor,
		gw:         gw,
		instA:      instA,
		instB:      instB,
		stopCh:     make(chan struct{}),
	}
}

// SetMarkSource wires an external mark feed for delta pricing
func (s *Scheduler) SetMarkSource(src gateway.MarkSource) {
	s.marks = src
}

// SetNotifier wires the event sink and passes it through to the controller
func (s *Scheduler) SetNotifier(n CycleNotifier) {
	s.notifier = n
	s.controller.SetNotifier(n)
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Start launches the cycle loop and both watchers
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(3)
	go s.cycleLoop(ctx)
	go s.healthLoop(ctx)
	go s.deltaLoop(ctx)

	log.Info().
		Str("pattern", string(s.cfg.Pattern)).
		Dur("interval", s.cfg.CycleInterval).
		Int("max_cycles", s.cfg.MaxCycles).
		Msg("⚡ Scheduler started")
}

// Stop signals every loop and waits for the in-flight cycle to settle
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Int("completed", s.completed).Msg("Scheduler stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// CYCLE LOOP
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) cycleLoop(ctx context.Context) {
	defer s.wg.Done()

	// First cycle fires immediately; the ticker paces the rest.
	s.tryCycle(ctx)

	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tryCycle(ctx)
		}
	}
}

func (s *Scheduler) tryCycle(ctx context.Context) {
	if s.governor.Halted() {
		log.Debug().Str("reason", s.governor.HaltReason()).Msg("Cycle skipped, governor halted")
		return
	}
	if s.controller.Phase() == types.PhaseError {
		log.Debug().Msg("Cycle skipped, controller in ERROR awaiting reset")
		return
	}
	if s.cfg.MaxCycles > 0 && s.Completed() >= s.cfg.MaxCycles {
		log.Info().Int("completed", s.Completed()).Msg("🎯 Max cycles reached, stopping")
		go s.Stop() // own goroutine, Stop waits on this loop
		return
	}

	ok, err := s.StartCycle(ctx, s.cfg.Pattern)
	switch {
	case err == nil && ok:
		s.mu.Lock()
		s.completed++
		s.recoveryUsed = false
		s.mu.Unlock()
	case err == nil:
		// Denied or recovered no-trade; nothing at risk, cadence continues.
	default:
		s.handleCycleError(err)
	}
}

// StartCycle runs one cycle now. Single-flight: a second caller gets
// ErrCycleInFlight instead of a queued cycle.
func (s *Scheduler) StartCycle(ctx context.Context, pattern types.Pattern) (bool, error) {
	s.mu.Lock()
	if s.inCycle {
		s.mu.Unlock()
		return false, types.ErrCycleInFlight
	}
	s.inCycle = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inCycle = false
		s.mu.Unlock()
	}()

	return s.controller.RunCycle(ctx, pattern)
}

// handleCycleError performs the single permitted automatic recovery. A
// failure while the recovery budget is spent halts the engine outright.
func (s *Scheduler) handleCycleError(err error) {
	if s.controller.Phase() != types.PhaseError {
		// Guard-level refusal (cycle in flight etc), not a broken book.
		log.Warn().Err(err).Msg("Cycle refused")
		return
	}

	s.mu.Lock()
	spent := s.recoveryUsed
	s.recoveryUsed = true
	s.mu.Unlock()

	if spent {
		s.governor.ForceHalt("repeated cycle failure without operator reset: " + err.Error())
		if s.notifier != nil {
			s.notifier.NotifyHalt(err.Error())
		}
		return
	}

	log.Warn().Err(err).Msg("🚑 Controller in ERROR, attempting the one automatic recovery")
	// Recovery must survive shutdown signals; the unwinder carries its own
	// deadline.
	fills, ferr := s.unwinder.FlattenBoth(context.Background(), "recovery", s.instA.Ticker, s.instB.Ticker)
	if ferr != nil {
		s.governor.ForceHalt("automatic recovery failed: " + ferr.Error())
		if s.notifier != nil {
			s.notifier.NotifyHalt(ferr.Error())
		}
		log.Error().Err(ferr).Msg("💥 Automatic recovery FAILED, positions may be open")
		return
	}

	for ticker, fill := range fills {
		if fill.FilledQty.IsPositive() {
			log.Info().
				Str("ticker", ticker).
				Str("closed", fill.FilledQty.String()).
				Str("avg_price", fill.AvgPrice.String()).
				Msg("🚑 Recovery closed position")
		}
	}
	log.Info().Msg("✅ Recovery verified flat; controller stays in ERROR until /resume")
	if s.notifier != nil {
		s.notifier.NotifyEmergency(s.instA.Ticker+"/"+s.instB.Ticker,
			"auto-recovery flattened both legs; resume required")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// WATCHERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) healthLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	lastUp := true
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := s.gw.ConnectionHealth()
			metrics.SetConnectionUp(h.PrimaryConnected)
			if h.PrimaryConnected != lastUp {
				if h.PrimaryConnected {
					log.Info().Msg("✅ Venue connection restored")
				} else {
					log.Warn().Bool("fallback", h.FallbackActive).Msg("⚠️ Venue connection lost")
				}
				lastUp = h.PrimaryConnected
			}
		}
	}
}

func (s *Scheduler) deltaLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	breached := false
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			marks := s.currentMarks(ctx)
			if marks == nil {
				continue
			}
			delta := s.netDelta(marks)
			metrics.SetNetDelta(delta.InexactFloat64())

			if !s.cfg.NetDeltaThreshold.IsPositive() {
				continue
			}
			if delta.Abs().LessThanOrEqual(s.cfg.NetDeltaThreshold) {
				breached = false
				continue
			}
			if breached {
				continue // already acting on this episode
			}
			breached = true
			log.Error().
				Str("net_delta", delta.StringFixed(2)).
				Str("threshold", s.cfg.NetDeltaThreshold.StringFixed(2)).
				Msg("🚨 NET DELTA BREACH, forcing closure of both legs")
			s.governor.ForceHalt("net delta breach: " + delta.StringFixed(2))
			if s.notifier != nil {
				s.notifier.NotifyHalt("net delta breach: " + delta.StringFixed(2))
			}
			if _, err := s.unwinder.FlattenBoth(context.Background(), "delta-breach", s.instA.Ticker, s.instB.Ticker); err != nil {
				log.Error().Err(err).Msg("💥 Delta-breach closure FAILED")
			}
		}
	}
}

// currentMarks prices both tickers, preferring the external feed
func (s *Scheduler) currentMarks(ctx context.Context) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, 2)
	two := decimal.NewFromInt(2)
	for _, inst := range []types.Instrument{s.instA, s.instB} {
		if s.marks != nil {
			if m, ok := s.marks.Mark(inst.StreamSymbol); ok {
				out[inst.Ticker] = m
				continue
			}
		}
		book, err := s.gw.QueryBookTop(ctx, inst.Ticker)
		if err != nil {
			return nil
		}
		out[inst.Ticker] = book.Bid.Add(book.Ask).Div(two)
	}
	return out
}

// netDelta prices the current signed exposure across both legs
func (s *Scheduler) netDelta(marks map[string]decimal.Decimal) decimal.Decimal {
	delta := decimal.Zero
	for _, inst := range []types.Instrument{s.instA, s.instB} {
		delta = delta.Add(s.rec.View(inst.Ticker).Authoritative.Mul(marks[inst.Ticker]))
	}
	return delta
}

// ═══════════════════════════════════════════════════════════════════════════════
// OPERATOR SURFACE
// ═══════════════════════════════════════════════════════════════════════════════

// CycleStatus returns the controller's current state
func (s *Scheduler) CycleStatus() types.CycleState {
	return s.controller.Status()
}

// RiskMetrics returns the governor's snapshot priced at current marks
func (s *Scheduler) RiskMetrics(ctx context.Context) types.RiskMetrics {
	return s.governor.Metrics(s.currentMarks(ctx))
}

// ForceHalt latches the governor on operator demand
func (s *Scheduler) ForceHalt(reason string) {
	s.governor.ForceHalt(reason)
}

// Resume clears the halt and resets the controller. Refused while either
// leg still shows exposure.
func (s *Scheduler) Resume(ctx context.Context) error {
	if err := s.controller.Reset(ctx); err != nil {
		return err
	}
	s.governor.ResetHalt()
	s.mu.Lock()
	s.recoveryUsed = false
	s.mu.Unlock()
	log.Info().Msg("▶️ Resumed: halt cleared, recovery budget restored")
	return nil
}

// Completed returns the number of full round trips this session
func (s *Scheduler) Completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}
