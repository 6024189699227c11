package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/pairbot/execution"
	"github.com/web3guy0/pairbot/gateway"
	"github.com/web3guy0/pairbot/risk"
	"github.com/web3guy0/pairbot/storage"
	"github.com/web3guy0/pairbot/types"
)

func testInstruments() map[string]types.Instrument {
	return map[string]types.Instrument{
		"ETH-PERP": {
			Ticker:       "ETH-PERP",
			StreamSymbol: "ethusdt",
			TickSize:     decimal.NewFromFloat(0.01),
			LotSize:      decimal.NewFromFloat(0.001),
			Leverage:     decimal.NewFromInt(5),
			MakerBps:     decimal.NewFromInt(2),
			TakerBps:     decimal.NewFromInt(5),
			MaxPosition:  decimal.NewFromInt(1),
		},
		"SOL-PERP": {
			Ticker:       "SOL-PERP",
			StreamSymbol: "solusdt",
			TickSize:     decimal.NewFromFloat(0.001),
			LotSize:      decimal.NewFromFloat(0.1),
			Leverage:     decimal.NewFromInt(5),
			MakerBps:     decimal.NewFromInt(2),
			TakerBps:     decimal.NewFromInt(5),
			MaxPosition:  decimal.NewFromInt(20),
		},
	}
}

type harnessOpts struct {
	router     execution.RouterConfig
	unwinder   execution.UnwinderConfig
	controller ControllerConfig
	governor   risk.GovernorConfig
	scheduler  SchedulerConfig
}

func defaultHarnessOpts() harnessOpts {
	return harnessOpts{
		router: execution.RouterConfig{
			PassiveWait:        30 * time.Millisecond,
			FillPollInterval:   5 * time.Millisecond,
			GuaranteedWaitBase: 40 * time.Millisecond,
			GuaranteedWaitMax:  80 * time.Millisecond,
			MinFillRatio:       decimal.NewFromFloat(0.5),
			MaxRetries:         2,
		},
		unwinder: execution.UnwinderConfig{
			FlattenTimeout:      2 * time.Second,
			FlattenPollInterval: 10 * time.Millisecond,
		},
		controller: ControllerConfig{
			TargetNotional:       decimal.NewFromInt(100),
			BuildVerifyAttempts:  3,
			BuildVerifyInterval:  20 * time.Millisecond,
			UnwindVerifyAttempts: 3,
			UnwindVerifyInterval: 20 * time.Millisecond,
			Solver:               risk.DefaultSolverConfig(),
		},
		governor: risk.GovernorConfig{
			DailyLossLimit:      decimal.NewFromInt(1000),
			CumulativeLossLimit: decimal.NewFromInt(1000),
			NetDeltaThreshold:   decimal.NewFromInt(50),
		},
		scheduler: SchedulerConfig{
			Pattern:        types.PatternBuyFirst,
			CycleInterval:  50 * time.Millisecond,
			HealthInterval: 20 * time.Millisecond,
		},
	}
}

type harness struct {
	opts       harnessOpts
	venue      *gateway.PaperVenue
	rec        *execution.Reconciler
	router     *execution.Router
	unwinder   *execution.Unwinder
	governor   *risk.Governor
	journal    *storage.Journal
	controller *Controller
	instA      types.Instrument
	instB      types.Instrument
}

// newHarness wires the full stack against the paper venue. Both tickers
// fill passively so a default cycle completes in milliseconds.
func newHarness(t *testing.T, mutate func(*harnessOpts)) *harness {
	t.Helper()
	opts := defaultHarnessOpts()
	if mutate != nil {
		mutate(&opts)
	}

	instruments := testInstruments()
	pcfg := gateway.DefaultPaperConfig()
	pcfg.OrderRPS = 1000
	pcfg.OrderBurst = 100
	venue := gateway.NewPaperVenue(instruments, pcfg)
	venue.SetMark("ETH-PERP", decimal.NewFromFloat(2756.90))
	venue.SetMark("SOL-PERP", decimal.NewFromFloat(115.86))
	venue.Configure("ETH-PERP", gateway.TickerConfig{Mode: gateway.FillAlways})
	venue.Configure("SOL-PERP", gateway.TickerConfig{Mode: gateway.FillAlways})

	journal, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	rec := execution.NewReconciler(venue, decimal.NewFromFloat(0.0001), 0)
	router := execution.NewRouter(venue, rec, instruments, opts.router)
	unwinder := execution.NewUnwinder(rec, router, opts.unwinder)
	governor := risk.NewGovernor(opts.governor, instruments, rec, risk.NewJournalStore(journal))
	controller := NewController(venue, router, rec, unwinder, governor, journal,
		instruments["ETH-PERP"], instruments["SOL-PERP"], opts.controller)

	return &harness{
		opts:       opts,
		venue:      venue,
		rec:        rec,
		router:     router,
		unwinder:   unwinder,
		governor:   governor,
		journal:    journal,
		controller: controller,
		instA:      instruments["ETH-PERP"],
		instB:      instruments["SOL-PERP"],
	}
}

func (h *harness) newScheduler() *Scheduler {
	return NewScheduler(h.controller, h.unwinder, h.rec, h.governor, h.venue, h.instA, h.instB, h.opts.scheduler)
}

func (h *harness) requireFlat(t *testing.T) {
	t.Helper()
	for _, ticker := range []string{h.instA.Ticker, h.instB.Ticker} {
		pos, err := h.venue.QueryPosition(context.Background(), ticker)
		require.NoError(t, err)
		assert.True(t, pos.IsZero(), "%s still holds %s", ticker, pos)
	}
}

type captureNotifier struct {
	mu          sync.Mutex
	cycles      []types.CycleResult
	emergencies []string
	halts       []string
}

func (n *captureNotifier) NotifyCycle(res types.CycleResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cycles = append(n.cycles, res)
}

func (n *captureNotifier) NotifyEmergency(ticker, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emergencies = append(n.emergencies, ticker+": "+detail)
}

func (n *captureNotifier) NotifyHalt(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.halts = append(n.halts, reason)
}

func (n *captureNotifier) cycleCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.cycles)
}

func (n *captureNotifier) emergencyCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.emergencies)
}

// ═══════════════════════════════════════════════════════════════════════════════
// FULL ROUND TRIPS
// ═══════════════════════════════════════════════════════════════════════════════

func TestRunCycleFullRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	notifier := &captureNotifier{}
	h.controller.SetNotifier(notifier)
	ctx := context.Background()

	ok, err := h.controller.RunCycle(ctx, types.PatternBuyFirst)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.PhaseIdle, h.controller.Phase())
	h.requireFlat(t)

	status := h.controller.Status()
	rec, err := h.journal.GetCycle(status.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Outcome)
	assert.Equal(t, "BUY", rec.DirectionA)
	assert.Equal(t, "SELL", rec.DirectionB)
	assert.True(t, rec.QtyA.Equal(decimal.NewFromFloat(0.038)), "solver qty for leg A, got %s", rec.QtyA)
	assert.True(t, rec.QtyB.Equal(decimal.NewFromFloat(0.9)), "solver qty for leg B, got %s", rec.QtyB)
	assert.True(t, rec.EntryPriceA.IsPositive())
	assert.True(t, rec.ExitPriceA.IsPositive())
	assert.True(t, rec.Volume.IsPositive())

	require.Equal(t, 1, notifier.cycleCount())
	res := notifier.cycles[0]
	assert.True(t, res.Completed)
	assert.True(t, res.PnL.IsNegative(), "spread plus fees cost money on a flat book, got %s", res.PnL)

	m := h.governor.Metrics(nil)
	assert.Equal(t, 1, m.TradeCount)
	assert.True(t, m.RealizedPnL.Equal(res.PnL))
}

func TestRunCycleSellFirstPattern(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ok, err := h.controller.RunCycle(ctx, types.PatternSellFirst)
	require.NoError(t, err)
	assert.True(t, ok)
	h.requireFlat(t)

	rec, err := h.journal.GetCycle(h.controller.Status().ID)
	require.NoError(t, err)
	assert.Equal(t, "SELL", rec.DirectionA)
	assert.Equal(t, "BUY", rec.DirectionB)
	assert.Equal(t, "completed", rec.Outcome)
}

func TestRunCyclePartialEntryUsesVenueTruth(t *testing.T) {
	h := newHarness(t, func(o *harnessOpts) {
		o.controller.CycleHold = 120 * time.Millisecond
	})
	// Build fills 0.5 then 0.2 of the solved 0.9 on leg B.
	h.venue.Configure("SOL-PERP", gateway.TickerConfig{
		Mode:         gateway.FillPartial,
		PartialRatio: decimal.NewFromFloat(0.6),
	})
	ctx := context.Background()

	done := make(chan struct{})
	var ok bool
	var err error
	go func() {
		ok, err = h.controller.RunCycle(ctx, types.PatternBuyFirst)
		close(done)
	}()

	// Once built, let the unwind leg fill in full.
	require.Eventually(t, func() bool {
		return h.controller.Phase() == types.PhaseBuildComplete
	}, 2*time.Second, 2*time.Millisecond)
	h.venue.Configure("SOL-PERP", gateway.TickerConfig{Mode: gateway.FillAlways})

	<-done
	require.NoError(t, err)
	assert.True(t, ok)
	h.requireFlat(t)

	rec, err := h.journal.GetCycle(h.controller.Status().ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Outcome)
	assert.True(t, rec.QtyB.Equal(decimal.NewFromFloat(0.7)),
		"leg B must carry what actually filled, got %s", rec.QtyB)
}

// ═══════════════════════════════════════════════════════════════════════════════
// DENIALS AND ABORTS
// ═══════════════════════════════════════════════════════════════════════════════

func TestRunCycleDeniedByGovernor(t *testing.T) {
	h := newHarness(t, nil)
	notifier := &captureNotifier{}
	h.controller.SetNotifier(notifier)
	h.governor.ForceHalt("drill")

	ok, err := h.controller.RunCycle(context.Background(), types.PatternBuyFirst)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, types.PhaseIdle, h.controller.Phase())
	h.requireFlat(t)

	rec, err := h.journal.GetCycle(h.controller.Status().ID)
	require.NoError(t, err)
	assert.Equal(t, "denied", rec.Outcome)
	assert.Contains(t, rec.FailReason, "halted")
	assert.Equal(t, 0, notifier.cycleCount(), "nothing traded, nothing to report")
	assert.Equal(t, 0, h.governor.Metrics(nil).TradeCount)
}

func TestRunCycleDeniedWhenTargetBelowOneLot(t *testing.T) {
	h := newHarness(t, func(o *harnessOpts) {
		o.controller.TargetNotional = decimal.NewFromInt(1)
	})

	ok, err := h.controller.RunCycle(context.Background(), types.PatternBuyFirst)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, types.PhaseIdle, h.controller.Phase())

	rec, err := h.journal.GetCycle(h.controller.Status().ID)
	require.NoError(t, err)
	assert.Equal(t, "denied", rec.Outcome)
	assert.Contains(t, rec.FailReason, "sizing")
}

func TestRunCycleAbortsWhenNothingOpens(t *testing.T) {
	h := newHarness(t, nil)
	notifier := &captureNotifier{}
	h.controller.SetNotifier(notifier)
	h.venue.Configure("ETH-PERP", gateway.TickerConfig{Mode: gateway.FillReject})
	h.venue.Configure("SOL-PERP", gateway.TickerConfig{Mode: gateway.FillReject})

	ok, err := h.controller.RunCycle(context.Background(), types.PatternBuyFirst)
	require.NoError(t, err, "a build that opened nothing is a no-trade, not a failure")
	assert.False(t, ok)
	assert.Equal(t, types.PhaseIdle, h.controller.Phase())
	h.requireFlat(t)

	rec, err := h.journal.GetCycle(h.controller.Status().ID)
	require.NoError(t, err)
	assert.Equal(t, "aborted", rec.Outcome)
	assert.Contains(t, rec.FailReason, "opened nothing")
	assert.Equal(t, 0, h.governor.Metrics(nil).TradeCount, "no economics to book")
}

func TestRunCycleRecoversSingleLeg(t *testing.T) {
	h := newHarness(t, nil)
	notifier := &captureNotifier{}
	h.controller.SetNotifier(notifier)
	// Leg B dies at submission; leg A fills. The dangerous one-sided book.
	h.venue.Configure("SOL-PERP", gateway.TickerConfig{Mode: gateway.FillReject})

	ok, err := h.controller.RunCycle(context.Background(), types.PatternBuyFirst)
	require.NoError(t, err, "a recovered one-leg build ends verified flat")
	assert.False(t, ok)
	assert.Equal(t, types.PhaseIdle, h.controller.Phase())
	h.requireFlat(t)

	rec, err := h.journal.GetCycle(h.controller.Status().ID)
	require.NoError(t, err)
	assert.Equal(t, "aborted", rec.Outcome)
	assert.Contains(t, rec.FailReason, "asymmetric fill")
	assert.Equal(t, execution.TierEmergency, rec.ExitTierA, "leg A was force-closed")

	assert.GreaterOrEqual(t, notifier.emergencyCount(), 1)
	require.Equal(t, 1, notifier.cycleCount())
	assert.False(t, notifier.cycles[0].Completed)
	assert.True(t, notifier.cycles[0].Volume.IsPositive(), "the round trip on leg A is real volume")
	assert.Equal(t, 1, h.governor.Metrics(nil).TradeCount, "recovery costs count against the limits")
}

// ═══════════════════════════════════════════════════════════════════════════════
// TERMINAL FAILURES AND RESET
// ═══════════════════════════════════════════════════════════════════════════════

func TestRunCycleUnwindExhaustionParksError(t *testing.T) {
	h := newHarness(t, func(o *harnessOpts) {
		o.controller.CycleHold = 120 * time.Millisecond
	})
	notifier := &captureNotifier{}
	h.controller.SetNotifier(notifier)
	ctx := context.Background()

	done := make(chan struct{})
	var ok bool
	var err error
	go func() {
		ok, err = h.controller.RunCycle(ctx, types.PatternBuyFirst)
		close(done)
	}()

	// Let the build complete, then freeze the venue so nothing closes.
	require.Eventually(t, func() bool {
		return h.controller.Phase() == types.PhaseBuildComplete
	}, 2*time.Second, 2*time.Millisecond)
	h.venue.Configure("ETH-PERP", gateway.TickerConfig{Mode: gateway.FillNever})
	h.venue.Configure("SOL-PERP", gateway.TickerConfig{Mode: gateway.FillNever})

	<-done
	assert.False(t, ok)
	var timeout *types.VerifyTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, types.PhaseUnwindVerifying, timeout.Phase)
	assert.Equal(t, types.PhaseError, h.controller.Phase())
	assert.GreaterOrEqual(t, notifier.emergencyCount(), 1)

	rec, recErr := h.journal.GetCycle(h.controller.Status().ID)
	require.NoError(t, recErr)
	assert.Equal(t, "failed", rec.Outcome)

	// Both positions are still on the venue. Reset must refuse.
	resetErr := h.controller.Reset(ctx)
	require.Error(t, resetErr)
	assert.Contains(t, resetErr.Error(), "reset refused")
	assert.Equal(t, types.PhaseError, h.controller.Phase())

	// Operator flattens, then reset goes through.
	h.venue.Configure("ETH-PERP", gateway.TickerConfig{Mode: gateway.FillAlways})
	h.venue.Configure("SOL-PERP", gateway.TickerConfig{Mode: gateway.FillAlways})
	_, flattenErr := h.unwinder.FlattenBoth(ctx, "manual", h.instA.Ticker, h.instB.Ticker)
	require.NoError(t, flattenErr)

	require.NoError(t, h.controller.Reset(ctx))
	assert.Equal(t, types.PhaseIdle, h.controller.Phase())
	h.requireFlat(t)
}

func TestRunCycleRefusedWhileInFlight(t *testing.T) {
	h := newHarness(t, func(o *harnessOpts) {
		o.controller.CycleHold = 200 * time.Millisecond
	})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		_, _ = h.controller.RunCycle(ctx, types.PatternBuyFirst)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return h.controller.Phase() != types.PhaseIdle
	}, 2*time.Second, 2*time.Millisecond)

	_, err := h.controller.RunCycle(ctx, types.PatternBuyFirst)
	assert.ErrorIs(t, err, types.ErrCycleInFlight)

	// And the phase machine rejects a reset mid-cycle.
	resetErr := h.controller.Reset(ctx)
	var invalid *types.InvalidTransitionError
	assert.ErrorAs(t, resetErr, &invalid)

	<-done
}

func TestRunCycleRefusedWhenBookNotFlat(t *testing.T) {
	h := newHarness(t, nil)
	h.venue.SeedPosition("ETH-PERP", decimal.NewFromFloat(0.4))

	ok, err := h.controller.RunCycle(context.Background(), types.PatternBuyFirst)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before build")
	assert.Equal(t, types.PhaseError, h.controller.Phase())
}

func TestResetFromIdleIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.controller.Reset(context.Background()))
	assert.Equal(t, types.PhaseIdle, h.controller.Phase())
}
