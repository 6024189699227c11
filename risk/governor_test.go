package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/pairbot/types"
)

func testInstruments() map[string]types.Instrument {
	return map[string]types.Instrument{
		"ETH-PERP": {
			Ticker:      "ETH-PERP",
			TickSize:    decimal.NewFromFloat(0.01),
			LotSize:     decimal.NewFromFloat(0.001),
			Leverage:    decimal.NewFromInt(5),
			MaxPosition: decimal.NewFromInt(1),
		},
		"SOL-PERP": {
			Ticker:      "SOL-PERP",
			TickSize:    decimal.NewFromFloat(0.001),
			LotSize:     decimal.NewFromFloat(0.1),
			Leverage:    decimal.NewFromInt(5),
			MaxPosition: decimal.NewFromInt(20),
		},
	}
}

func testMarks() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"ETH-PERP": decimal.NewFromFloat(2756.90),
		"SOL-PERP": decimal.NewFromFloat(115.86),
	}
}

func testLegs() []types.Leg {
	return []types.Leg{
		{Ticker: "ETH-PERP", Direction: types.SideBuy, Qty: decimal.NewFromFloat(0.038)},
		{Ticker: "SOL-PERP", Direction: types.SideSell, Qty: decimal.NewFromFloat(0.9)},
	}
}

type stubPositions struct {
	held map[string]decimal.Decimal
}

func (s *stubPositions) View(ticker string) types.PositionSnapshot {
	pos := decimal.Zero
	if s.held != nil {
		pos = s.held[ticker]
	}
	return types.PositionSnapshot{Ticker: ticker, Authoritative: pos, Optimistic: pos}
}

type memStore struct {
	saved []StateSnapshot
	load  *StateSnapshot
}

func (m *memStore) SaveState(s StateSnapshot) error { m.saved = append(m.saved, s); return nil }

func (m *memStore) LoadState() (*StateSnapshot, error) { return m.load, nil }

func testGovernorConfig() GovernorConfig {
	return GovernorConfig{
		DailyLossLimit:      decimal.NewFromInt(50),
		CumulativeLossLimit: decimal.NewFromInt(100),
		NetDeltaThreshold:   decimal.NewFromInt(50),
	}
}

func newTestGovernor(cfg GovernorConfig, positions *stubPositions, store StateStore) *Governor {
	if positions == nil {
		positions = &stubPositions{}
	}
	return NewGovernor(cfg, testInstruments(), positions, store)
}

func cycleResult(pnl float64) types.CycleResult {
	return types.CycleResult{
		CycleID:   "c1",
		PnL:       decimal.NewFromFloat(pnl),
		Volume:    decimal.NewFromInt(400),
		Completed: true,
	}
}

func TestPreTradeApprovesCleanBuild(t *testing.T) {
	g := newTestGovernor(testGovernorConfig(), nil, nil)

	verdict := g.PreTradeCheck(testLegs(), testMarks())
	assert.True(t, verdict.Allowed, "rejected: %s", verdict.Reason)
}

func TestPreTradeRejectsWhenHalted(t *testing.T) {
	g := newTestGovernor(testGovernorConfig(), nil, nil)
	g.ForceHalt("operator said stop")

	verdict := g.PreTradeCheck(testLegs(), testMarks())
	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "halted")
	assert.Contains(t, verdict.Reason, "operator said stop")
}

func TestPreTradeRejectsOnPositionCap(t *testing.T) {
	positions := &stubPositions{held: map[string]decimal.Decimal{
		"ETH-PERP": decimal.NewFromFloat(0.99),
	}}
	g := newTestGovernor(testGovernorConfig(), positions, nil)

	verdict := g.PreTradeCheck(testLegs(), testMarks())
	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "position cap")
}

func TestPreTradeRejectsAfterDailyLossLimit(t *testing.T) {
	g := newTestGovernor(testGovernorConfig(), nil, nil)

	require.NoError(t, g.PostTradeCheck(cycleResult(-60)))

	verdict := g.PreTradeCheck(testLegs(), testMarks())
	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "daily loss limit")
}

func TestPreTradeRejectsOnProjectedNetDelta(t *testing.T) {
	// Already long a full ETH; stacking the build's long leg on top blows
	// through the notional bound.
	positions := &stubPositions{held: map[string]decimal.Decimal{
		"ETH-PERP": decimal.NewFromFloat(0.5),
	}}
	cfg := testGovernorConfig()
	g := newTestGovernor(cfg, positions, nil)

	verdict := g.PreTradeCheck(testLegs(), testMarks())
	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "net delta")
}

func TestPreTradeRejectsMissingMark(t *testing.T) {
	g := newTestGovernor(testGovernorConfig(), nil, nil)

	marks := testMarks()
	delete(marks, "SOL-PERP")
	verdict := g.PreTradeCheck(testLegs(), marks)
	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "no mark for SOL-PERP")
}

func TestLossFilterSkipsExactlyOneBuild(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.LossFilterEnabled = true
	g := newTestGovernor(cfg, nil, nil)

	// Nothing to filter before the first cycle.
	assert.True(t, g.PreTradeCheck(testLegs(), testMarks()).Allowed)

	require.NoError(t, g.PostTradeCheck(cycleResult(-5)))

	verdict := g.PreTradeCheck(testLegs(), testMarks())
	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "loss filter")

	// The skip consumes the marker; the next build goes through.
	assert.True(t, g.PreTradeCheck(testLegs(), testMarks()).Allowed)
}

func TestLossFilterIgnoresWinningCycle(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.LossFilterEnabled = true
	g := newTestGovernor(cfg, nil, nil)

	require.NoError(t, g.PostTradeCheck(cycleResult(5)))
	assert.True(t, g.PreTradeCheck(testLegs(), testMarks()).Allowed)
}

func TestCumulativeLossBreachHalts(t *testing.T) {
	store := &memStore{}
	g := newTestGovernor(testGovernorConfig(), nil, store)

	err := g.PostTradeCheck(cycleResult(-120))

	var breach *types.RiskBreachError
	require.ErrorAs(t, err, &breach)
	assert.True(t, g.Halted())
	assert.Contains(t, g.HaltReason(), "cumulative loss")

	require.NotEmpty(t, store.saved)
	last := store.saved[len(store.saved)-1]
	assert.True(t, last.Halted)
	assert.True(t, last.RealizedPnL.Equal(decimal.NewFromInt(-120)))
}

func TestProfitTargetHaltsGracefully(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.ProfitTarget = decimal.NewFromInt(10)
	g := newTestGovernor(cfg, nil, nil)

	require.NoError(t, g.PostTradeCheck(cycleResult(15)), "hitting a target is not an error")
	assert.True(t, g.Halted())
	assert.Contains(t, g.HaltReason(), "profit target")
}

func TestVolumeTargetHaltsGracefully(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.VolumeTarget = decimal.NewFromInt(300)
	g := newTestGovernor(cfg, nil, nil)

	require.NoError(t, g.PostTradeCheck(cycleResult(1)))
	assert.True(t, g.Halted())
	assert.Contains(t, g.HaltReason(), "volume target")
}

func TestHaltSurvivesRestart(t *testing.T) {
	store := &memStore{load: &StateSnapshot{
		Date:        "2020-01-01",
		RealizedPnL: decimal.NewFromInt(-30),
		DailyPnL:    decimal.NewFromInt(-30),
		Halted:      true,
		HaltReason:  "cumulative loss -120.00 breached limit 100.00",
	}}
	g := newTestGovernor(testGovernorConfig(), nil, store)

	assert.True(t, g.Halted())
	m := g.Metrics(nil)
	assert.True(t, m.RealizedPnL.Equal(decimal.NewFromInt(-30)))
	assert.True(t, m.DailyPnL.IsZero(), "stale daily figures must not carry over")
}

func TestDailyPnLRestoredSameDay(t *testing.T) {
	store := &memStore{load: &StateSnapshot{
		Date:        time.Now().Format("2006-01-02"),
		RealizedPnL: decimal.NewFromInt(-12),
		DailyPnL:    decimal.NewFromInt(-12),
	}}
	g := newTestGovernor(testGovernorConfig(), nil, store)

	m := g.Metrics(nil)
	assert.True(t, m.DailyPnL.Equal(decimal.NewFromInt(-12)))
	assert.False(t, g.Halted())
}

func TestResetHaltClearsLatch(t *testing.T) {
	store := &memStore{}
	g := newTestGovernor(testGovernorConfig(), nil, store)

	g.ForceHalt("drill")
	require.True(t, g.Halted())

	g.ResetHalt()
	assert.False(t, g.Halted())
	assert.Empty(t, g.HaltReason())
	assert.True(t, g.PreTradeCheck(testLegs(), testMarks()).Allowed)

	last := store.saved[len(store.saved)-1]
	assert.False(t, last.Halted)
}

func TestHaltLatchKeepsFirstReason(t *testing.T) {
	g := newTestGovernor(testGovernorConfig(), nil, nil)

	g.ForceHalt("drill")
	g.ForceHalt("aftershock")

	assert.True(t, g.Halted())
	assert.Equal(t, "drill", g.HaltReason(), "a latched halt must not be overwritten")
}

func TestPostTradeAccounting(t *testing.T) {
	store := &memStore{}
	g := newTestGovernor(testGovernorConfig(), nil, store)

	require.NoError(t, g.PostTradeCheck(cycleResult(10)))
	require.NoError(t, g.PostTradeCheck(cycleResult(-4)))

	m := g.Metrics(nil)
	assert.True(t, m.RealizedPnL.Equal(decimal.NewFromInt(6)))
	assert.True(t, m.DailyPnL.Equal(decimal.NewFromInt(6)))
	assert.True(t, m.Volume.Equal(decimal.NewFromInt(800)))
	assert.Equal(t, 2, m.TradeCount)
	assert.True(t, m.LastCyclePnL.Equal(decimal.NewFromInt(-4)))
	assert.Len(t, store.saved, 2, "every booked cycle persists")
}

func TestMetricsPricesNetDelta(t *testing.T) {
	positions := &stubPositions{held: map[string]decimal.Decimal{
		"ETH-PERP": decimal.NewFromFloat(0.5),
		"SOL-PERP": decimal.NewFromInt(-10),
	}}
	g := newTestGovernor(testGovernorConfig(), positions, nil)

	m := g.Metrics(testMarks())
	// 0.5*2756.90 - 10*115.86
	assert.True(t, m.NetDelta.Equal(decimal.NewFromFloat(219.85)), "got %s", m.NetDelta)
}
