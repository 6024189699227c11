package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/metrics"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GOVERNOR - Central approval system
// ═══════════════════════════════════════════════════════════════════════════════
//
// Scheduler asks → Governor approves/rejects → Controller trades
//
// All capital protection rules live in ONE place:
// - Per-ticker position caps
// - Daily loss limit (resets at midnight)
// - Cumulative loss limit (permanent halt, survives restarts)
// - Projected net delta bound in notional terms
// - Optional loss filter: skip the build right after a losing cycle
// - Profit/volume targets stop the engine gracefully
//
// ═══════════════════════════════════════════════════════════════════════════════

// PositionReader reports the current position belief for a ticker
type PositionReader interface {
	View(ticker string) types.PositionSnapshot
}

// StateSnapshot is the persistable slice of governor state
type StateSnapshot struct {
	Date         string
	RealizedPnL  decimal.Decimal
	DailyPnL     decimal.Decimal
	Volume       decimal.Decimal
	TradeCount   int
	LastCyclePnL decimal.Decimal
	Halted       bool
	HaltReason   string
}

// StateStore persists governor state across restarts
type StateStore interface {
	SaveState(StateSnapshot) error
	LoadState() (*StateSnapshot, error)
}

// GovernorConfig holds the risk limits
type GovernorConfig struct {
	DailyLossLimit      decimal.Decimal // positive number, loss magnitude
	CumulativeLossLimit decimal.Decimal // positive number, loss magnitude
	NetDeltaThreshold   decimal.Decimal // notional bound on |Σ pos*mark|
	LossFilterEnabled   bool
	ProfitTarget        decimal.Decimal // zero disables
	VolumeTarget        decimal.Decimal // zero disables
}

// Governor is the centralized risk approval system
type Governor struct {
	mu sync.RWMutex

	cfg         GovernorConfig
	instruments map[string]types.Instrument
	positions   PositionReader
	store       StateStore

	realizedPnL  decimal.Decimal
	dailyPnL     decimal.Decimal
	volume       decimal.Decimal
	tradeCount   int
	lastCyclePnL decimal.Decimal
	hasLastCycle bool
	halted       bool
	haltReason   string
	lastResetDay int
}

// NewGovernor creates the risk governor, restoring persisted state when a
// store is wired. A halt latched before a restart stays latched.
func NewGovernor(cfg GovernorConfig, instruments map[string]types.Instrument, positions PositionReader, store StateStore) *Governor {
	g := &Governor{
		cfg:          cfg,
		instruments:  instruments,
		positions:    positions,
		store:        store,
		lastResetDay: time.Now().YearDay(),
	}

	if store != nil {
		if snap, err := store.LoadState(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Could not restore risk state")
		} else if snap != nil {
			g.realizedPnL = snap.RealizedPnL
			g.volume = snap.Volume
			g.tradeCount = snap.TradeCount
			g.lastCyclePnL = snap.LastCyclePnL
			g.hasLastCycle = true
			g.halted = snap.Halted
			g.haltReason = snap.HaltReason
			if snap.Date == today() {
				g.dailyPnL = snap.DailyPnL
			}
			log.Info().
				Str("realized_pnl", g.realizedPnL.StringFixed(2)).
				Bool("halted", g.halted).
				Msg("📂 Risk state restored")
		}
	}

	log.Info().
		Str("daily_loss_limit", cfg.DailyLossLimit.StringFixed(2)).
		Str("cumulative_loss_limit", cfg.CumulativeLossLimit.StringFixed(2)).
		Str("net_delta_threshold", cfg.NetDeltaThreshold.StringFixed(2)).
		Bool("loss_filter", cfg.LossFilterEnabled).
		Msg("🛡️ Risk governor initialized")

	return g
}

// ═══════════════════════════════════════════════════════════════════════════════
// PRE-TRADE APPROVAL
// ═══════════════════════════════════════════════════════════════════════════════

// PreTradeCheck decides whether a new build may start. Marks are the prices
// used for sizing, keyed by ticker.
func (g *Governor) PreTradeCheck(legs []types.Leg, marks map[string]decimal.Decimal) types.RiskVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.checkDayReset()

	reject := func(reason string) types.RiskVerdict {
		log.Warn().Str("reason", reason).Msg("🚫 Build rejected")
		return types.RiskVerdict{Allowed: false, Reason: reason}
	}

	// 1. Halt latch
	if g.halted {
		return reject("halted: " + g.haltReason)
	}

	// 2. Daily loss limit
	if g.cfg.DailyLossLimit.IsPositive() && g.dailyPnL.LessThan(g.cfg.DailyLossLimit.Neg()) {
		return reject(fmt.Sprintf("daily loss limit hit (%s)", g.dailyPnL.StringFixed(2)))
	}

	// 3. Per-ticker position caps
	for _, leg := range legs {
		inst, ok := g.instruments[leg.Ticker]
		if !ok {
			return reject("unknown ticker " + leg.Ticker)
		}
		current := g.positions.View(leg.Ticker).Authoritative
		if inst.MaxPosition.IsPositive() && current.Abs().Add(leg.Qty).GreaterThan(inst.MaxPosition) {
			return reject(fmt.Sprintf("%s position cap: |%s| + %s > %s",
				leg.Ticker, current, leg.Qty, inst.MaxPosition))
		}
	}

	// 4. Projected net delta, in notional
	if g.cfg.NetDeltaThreshold.IsPositive() {
		delta := decimal.Zero
		for _, leg := range legs {
			mark, ok := marks[leg.Ticker]
			if !ok || !mark.IsPositive() {
				return reject("no mark for " + leg.Ticker)
			}
			projected := g.positions.View(leg.Ticker).Authoritative.Add(leg.Qty.Mul(leg.Direction.Sign()))
			delta = delta.Add(projected.Mul(mark))
		}
		if delta.Abs().GreaterThan(g.cfg.NetDeltaThreshold) {
			return reject(fmt.Sprintf("projected net delta %s exceeds %s",
				delta.StringFixed(2), g.cfg.NetDeltaThreshold.StringFixed(2)))
		}
	}

	// 5. Loss filter: sit out exactly one build after a losing cycle
	if g.cfg.LossFilterEnabled && g.hasLastCycle && g.lastCyclePnL.IsNegative() {
		g.hasLastCycle = false
		return reject(fmt.Sprintf("loss filter: previous cycle lost %s", g.lastCyclePnL.StringFixed(2)))
	}

	log.Debug().Int("legs", len(legs)).Msg("✅ Build approved")
	return types.RiskVerdict{Allowed: true}
}

// ═══════════════════════════════════════════════════════════════════════════════
// POST-TRADE ACCOUNTING
// ═══════════════════════════════════════════════════════════════════════════════

// PostTradeCheck books a finished cycle and enforces the limits that can
// only trip after the fact. A cumulative loss breach returns RiskBreachError
// and latches a permanent halt.
func (g *Governor) PostTradeCheck(res types.CycleResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.checkDayReset()

	g.realizedPnL = g.realizedPnL.Add(res.PnL)
	g.dailyPnL = g.dailyPnL.Add(res.PnL)
	g.volume = g.volume.Add(res.Volume)
	g.tradeCount++
	g.lastCyclePnL = res.PnL
	g.hasLastCycle = true

	metrics.SetRealizedPnL(g.realizedPnL.InexactFloat64())
	metrics.SetLastCyclePnL(res.PnL.InexactFloat64())
	metrics.SetVolume(g.volume.InexactFloat64())

	if res.PnL.IsNegative() {
		log.Warn().
			Str("cycle", res.CycleID).
			Str("pnl", res.PnL.StringFixed(4)).
			Str("cumulative", g.realizedPnL.StringFixed(2)).
			Msg("📉 Losing cycle recorded")
	} else {
		log.Info().
			Str("cycle", res.CycleID).
			Str("pnl", res.PnL.StringFixed(4)).
			Str("cumulative", g.realizedPnL.StringFixed(2)).
			Msg("📈 Cycle booked")
	}

	if g.cfg.CumulativeLossLimit.IsPositive() && g.realizedPnL.LessThan(g.cfg.CumulativeLossLimit.Neg()) {
		reason := fmt.Sprintf("cumulative loss %s breached limit %s",
			g.realizedPnL.StringFixed(2), g.cfg.CumulativeLossLimit.StringFixed(2))
		g.haltLocked(reason)
		g.persistLocked()
		return &types.RiskBreachError{Reason: reason}
	}

	// Targets end the run gracefully through the same latch.
	if g.cfg.ProfitTarget.IsPositive() && g.realizedPnL.GreaterThanOrEqual(g.cfg.ProfitTarget) {
		g.haltLocked(fmt.Sprintf("profit target %s reached", g.cfg.ProfitTarget.StringFixed(2)))
	}
	if g.cfg.VolumeTarget.IsPositive() && g.volume.GreaterThanOrEqual(g.cfg.VolumeTarget) {
		g.haltLocked(fmt.Sprintf("volume target %s reached", g.cfg.VolumeTarget.StringFixed(2)))
	}

	g.persistLocked()
	return nil
}

// haltLocked latches the halt. Caller holds g.mu.
func (g *Governor) haltLocked(reason string) {
	if g.halted {
		return
	}
	g.halted = true
	g.haltReason = reason
	metrics.IncRiskHalt()
	log.Error().Str("reason", reason).Msg("🚨 TRADING HALTED")
}

// persistLocked writes state through the store. Caller holds g.mu.
func (g *Governor) persistLocked() {
	if g.store == nil {
		return
	}
	snap := StateSnapshot{
		Date:         today(),
		RealizedPnL:  g.realizedPnL,
		DailyPnL:     g.dailyPnL,
		Volume:       g.volume,
		TradeCount:   g.tradeCount,
		LastCyclePnL: g.lastCyclePnL,
		Halted:       g.halted,
		HaltReason:   g.haltReason,
	}
	if err := g.store.SaveState(snap); err != nil {
		log.Error().Err(err).Msg("❌ Failed to persist risk state")
	}
}

// checkDayReset clears daily stats at midnight. The halt latch and
// cumulative figures are deliberately untouched.
func (g *Governor) checkDayReset() {
	day := time.Now().YearDay()
	if g.lastResetDay != day {
		g.dailyPnL = decimal.Zero
		g.lastResetDay = day
		log.Info().Msg("📅 Daily risk stats reset")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATE ACCESS
// ═══════════════════════════════════════════════════════════════════════════════

// Halted reports whether new builds are blocked
func (g *Governor) Halted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted
}

// HaltReason returns why the latch is set, empty when it is not
func (g *Governor) HaltReason() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.haltReason
}

// ForceHalt latches the halt on operator demand
func (g *Governor) ForceHalt(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.haltLocked(reason)
	g.persistLocked()
}

// ResetHalt clears the latch. Operator-only; the governor never clears a
// cumulative-loss halt on its own.
func (g *Governor) ResetHalt() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.halted {
		return
	}
	log.Warn().Str("was", g.haltReason).Msg("🔓 Halt cleared by operator")
	g.halted = false
	g.haltReason = ""
	g.persistLocked()
}

// Metrics returns a snapshot of risk state. Marks, when given, also price
// the current net delta.
func (g *Governor) Metrics(marks map[string]decimal.Decimal) types.RiskMetrics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m := types.RiskMetrics{
		RealizedPnL:  g.realizedPnL,
		DailyPnL:     g.dailyPnL,
		Volume:       g.volume,
		TradeCount:   g.tradeCount,
		LastCyclePnL: g.lastCyclePnL,
		Halted:       g.halted,
		HaltReason:   g.haltReason,
	}
	if marks != nil {
		delta := decimal.Zero
		for ticker := range g.instruments {
			mark, ok := marks[ticker]
			if !ok {
				continue
			}
			delta = delta.Add(g.positions.View(ticker).Authoritative.Mul(mark))
		}
		m.NetDelta = delta
	}
	return m
}

func today() string {
	return time.Now().Format("2006-01-02")
}
