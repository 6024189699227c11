package gateway

import (
	"context"
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
			Ticker:   "ETH-PERP",
			TickSize: decimal.NewFromFloat(0.01),
			LotSize:  decimal.NewFromFloat(0.001),
			Leverage: decimal.NewFromInt(5),
			MakerBps: decimal.NewFromInt(2),
			TakerBps: decimal.NewFromInt(5),
		},
		"SOL-PERP": {
			Ticker:   "SOL-PERP",
			TickSize: decimal.NewFromFloat(0.001),
			LotSize:  decimal.NewFromFloat(0.1),
			Leverage: decimal.NewFromInt(5),
			MakerBps: decimal.NewFromInt(2),
			TakerBps: decimal.NewFromInt(5),
		},
	}
}

func newTestVenue(t *testing.T) *PaperVenue {
	t.Helper()
	cfg := DefaultPaperConfig()
	cfg.OrderRPS = 1000
	cfg.OrderBurst = 100
	v := NewPaperVenue(testInstruments(), cfg)
	v.SetMark("ETH-PERP", decimal.NewFromFloat(2756.90))
	v.SetMark("SOL-PERP", decimal.NewFromFloat(115.86))
	return v
}

func TestBookAroundMark(t *testing.T) {
	v := newTestVenue(t)
	top, err := v.QueryBookTop(context.Background(), "ETH-PERP")
	require.NoError(t, err)

	assert.True(t, top.Ask.GreaterThan(top.Bid), "ask %s must exceed bid %s", top.Ask, top.Bid)
	assert.True(t, top.Bid.Mod(top.TickSize).IsZero(), "bid off tick grid: %s", top.Bid)
	assert.True(t, top.Ask.Mod(top.TickSize).IsZero(), "ask off tick grid: %s", top.Ask)
	assert.Len(t, top.Asks, 5)
	assert.Len(t, top.Bids, 5)
	assert.True(t, top.Asks[0].Price.GreaterThan(top.Ask))
}

func TestCrossingOrderFills(t *testing.T) {
	v := newTestVenue(t)
	ctx := context.Background()

	top, err := v.QueryBookTop(ctx, "ETH-PERP")
	require.NoError(t, err)

	h, err := v.SubmitOrder(ctx, types.OrderRequest{
		Ticker: "ETH-PERP",
		Side:   types.SideBuy,
		Qty:    decimal.NewFromFloat(0.01),
		Price:  top.Ask,
		Style:  types.StyleGuaranteedFill,
	})
	require.NoError(t, err)

	upd, err := v.OrderStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateFilled, upd.State)
	assert.True(t, upd.FilledQty.Equal(decimal.NewFromFloat(0.01)))
	assert.True(t, upd.FeeBps.Equal(decimal.NewFromInt(5)), "crossing pays taker")

	pos, err := v.QueryPosition(ctx, "ETH-PERP")
	require.NoError(t, err)
	assert.True(t, pos.Equal(decimal.NewFromFloat(0.01)))
}

func TestPassiveOrderRestsAndCancels(t *testing.T) {
	v := newTestVenue(t)
	ctx := context.Background()

	top, err := v.QueryBookTop(ctx, "ETH-PERP")
	require.NoError(t, err)

	h, err := v.SubmitOrder(ctx, types.OrderRequest{
		Ticker: "ETH-PERP",
		Side:   types.SideBuy,
		Qty:    decimal.NewFromFloat(0.01),
		Price:  top.Bid,
		Style:  types.StylePassive,
	})
	require.NoError(t, err)

	upd, err := v.OrderStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateOpen, upd.State)

	ok, err := v.CancelOrder(ctx, h)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second cancel finds nothing live.
	ok, err = v.CancelOrder(ctx, h)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRejectMode(t *testing.T) {
	v := newTestVenue(t)
	v.Configure("ETH-PERP", TickerConfig{Mode: FillReject})

	_, err := v.SubmitOrder(context.Background(), types.OrderRequest{
		Ticker: "ETH-PERP",
		Side:   types.SideSell,
		Qty:    decimal.NewFromFloat(0.01),
		Price:  decimal.NewFromInt(2800),
		Style:  types.StylePassive,
	})
	var rejected *types.OrderRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "ETH-PERP", rejected.Ticker)
}

func TestPartialFillMode(t *testing.T) {
	v := newTestVenue(t)
	v.Configure("SOL-PERP", TickerConfig{
		Mode:         FillPartial,
		PartialRatio: decimal.NewFromFloat(0.6),
	})
	ctx := context.Background()

	h, err := v.SubmitOrder(ctx, types.OrderRequest{
		Ticker: "SOL-PERP",
		Side:   types.SideBuy,
		Qty:    decimal.NewFromInt(1),
		Style:  types.StyleGuaranteedFill,
	})
	require.NoError(t, err)

	upd, err := v.OrderStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatePartial, upd.State)
	assert.True(t, upd.FilledQty.Equal(decimal.NewFromFloat(0.6)), "got %s", upd.FilledQty)
	// Lot size 0.1 keeps the part on the lot grid.
	assert.True(t, upd.FilledQty.Mod(decimal.NewFromFloat(0.1)).IsZero())
}

func TestPositionLag(t *testing.T) {
	cfg := DefaultPaperConfig()
	cfg.OrderRPS = 1000
	cfg.OrderBurst = 100
	cfg.PositionLag = 40 * time.Millisecond
	v := NewPaperVenue(testInstruments(), cfg)
	v.SetMark("ETH-PERP", decimal.NewFromFloat(2756.90))
	ctx := context.Background()

	h, err := v.SubmitOrder(ctx, types.OrderRequest{
		Ticker: "ETH-PERP",
		Side:   types.SideBuy,
		Qty:    decimal.NewFromFloat(0.05),
		Style:  types.StyleGuaranteedFill,
	})
	require.NoError(t, err)
	_, err = v.OrderStatus(ctx, h)
	require.NoError(t, err)

	pos, err := v.QueryPosition(ctx, "ETH-PERP")
	require.NoError(t, err)
	assert.True(t, pos.IsZero(), "fill visible too early: %s", pos)

	time.Sleep(60 * time.Millisecond)
	pos, err = v.QueryPosition(ctx, "ETH-PERP")
	require.NoError(t, err)
	assert.True(t, pos.Equal(decimal.NewFromFloat(0.05)))
}

func TestTransientSubmitFailure(t *testing.T) {
	v := newTestVenue(t)
	v.FailNextSubmits(1)
	ctx := context.Background()

	req := types.OrderRequest{
		Ticker: "ETH-PERP",
		Side:   types.SideBuy,
		Qty:    decimal.NewFromFloat(0.01),
		Style:  types.StyleGuaranteedFill,
	}
	_, err := v.SubmitOrder(ctx, req)
	var transient *types.TransientError
	require.ErrorAs(t, err, &transient)

	_, err = v.SubmitOrder(ctx, req)
	require.NoError(t, err)
}

func TestSeededPositionReported(t *testing.T) {
	v := newTestVenue(t)
	v.SeedPosition("SOL-PERP", decimal.NewFromFloat(-2.5))

	pos, err := v.QueryPosition(context.Background(), "SOL-PERP")
	require.NoError(t, err)
	assert.True(t, pos.Equal(decimal.NewFromFloat(-2.5)))
}
