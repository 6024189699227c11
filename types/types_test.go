package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSideOppositeAndSign(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
	assert.True(t, SideBuy.Sign().Equal(decimal.NewFromInt(1)))
	assert.True(t, SideSell.Sign().Equal(decimal.NewFromInt(-1)))
}

func TestOrderStateTerminal(t *testing.T) {
	terminal := []OrderState{OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired, OrderStateFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "expected %s terminal", s)
	}
	live := []OrderState{OrderStatePending, OrderStateOpen, OrderStatePartial}
	for _, s := range live {
		assert.False(t, s.Terminal(), "expected %s live", s)
	}
}

func TestOrderRequestValidate(t *testing.T) {
	good := OrderRequest{
		Ticker: "ETH-PERP",
		Side:   SideBuy,
		Qty:    decimal.NewFromFloat(0.5),
		Price:  decimal.NewFromInt(2000),
		Style:  StylePassive,
	}
	require.NoError(t, good.Validate())

	tests := []struct {
		name   string
		mutate func(*OrderRequest)
	}{
		{"empty ticker", func(r *OrderRequest) { r.Ticker = "" }},
		{"bad side", func(r *OrderRequest) { r.Side = "HOLD" }},
		{"zero qty", func(r *OrderRequest) { r.Qty = decimal.Zero }},
		{"negative qty", func(r *OrderRequest) { r.Qty = decimal.NewFromInt(-1) }},
		{"negative price", func(r *OrderRequest) { r.Price = decimal.NewFromInt(-5) }},
		{"bad style", func(r *OrderRequest) { r.Style = "MAYBE" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := good
			tt.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestLegRealizedPnL(t *testing.T) {
	// Long leg: buy 2 @ 100, sell @ 110, 10 bps each way.
	long := &Leg{
		Ticker:      "A",
		Direction:   SideBuy,
		Qty:         decimal.NewFromInt(2),
		EntryPrice:  decimal.NewFromInt(100),
		EntryFeeBps: decimal.NewFromInt(10),
		ExitPrice:   decimal.NewFromInt(110),
		ExitFeeBps:  decimal.NewFromInt(10),
	}
	// gross 20, fees 0.2 + 0.22
	want := decimal.NewFromFloat(19.58)
	assert.True(t, long.RealizedPnL().Equal(want), "got %s", long.RealizedPnL())

	// Short leg profits when price falls.
	short := &Leg{
		Ticker:     "B",
		Direction:  SideSell,
		Qty:        decimal.NewFromInt(3),
		EntryPrice: decimal.NewFromInt(50),
		ExitPrice:  decimal.NewFromInt(45),
	}
	assert.True(t, short.RealizedPnL().Equal(decimal.NewFromInt(15)), "got %s", short.RealizedPnL())
}

func TestLegSignedQty(t *testing.T) {
	l := &Leg{Direction: SideSell, Qty: decimal.NewFromFloat(1.5)}
	assert.True(t, l.SignedQty().Equal(decimal.NewFromFloat(-1.5)))
}

func TestBookTopTouchAndCross(t *testing.T) {
	b := BookTop{
		Bid: decimal.NewFromInt(99),
		Ask: decimal.NewFromInt(101),
	}
	// Passive rests on its own side of the book.
	assert.True(t, b.Touch(SideBuy).Equal(decimal.NewFromInt(99)))
	assert.True(t, b.Touch(SideSell).Equal(decimal.NewFromInt(101)))
	// Aggressive takes the other side.
	assert.True(t, b.Cross(SideBuy).Equal(decimal.NewFromInt(101)))
	assert.True(t, b.Cross(SideSell).Equal(decimal.NewFromInt(99)))
}

func TestInstrumentValidate(t *testing.T) {
	inst := Instrument{
		Ticker:   "ETH-PERP",
		TickSize: decimal.NewFromFloat(0.01),
		LotSize:  decimal.NewFromFloat(0.001),
		Leverage: decimal.NewFromInt(5),
	}
	require.NoError(t, inst.Validate())

	bad := inst
	bad.LotSize = decimal.Zero
	err := bad.Validate()
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
