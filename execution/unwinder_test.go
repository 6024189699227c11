package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/pairbot/gateway"
	"github.com/web3guy0/pairbot/types"
)

func fastUnwinderConfig() UnwinderConfig {
	return UnwinderConfig{
		FlattenTimeout:      500 * time.Millisecond,
		FlattenPollInterval: 10 * time.Millisecond,
		ReorderInterval:     50 * time.Millisecond,
	}
}

func newTestUnwinder(t *testing.T, venue *gateway.PaperVenue, cfg UnwinderConfig) (*Unwinder, *Router, *Reconciler) {
	t.Helper()
	router, rec := newTestRouter(t, venue, testInstruments(), fastRouterConfig())
	return NewUnwinder(rec, router, cfg), router, rec
}

func TestFlattenClosesLong(t *testing.T) {
	venue := newTestVenue(t, testInstruments())
	venue.SeedPosition("ETH-PERP", decimal.NewFromFloat(0.5))
	unwinder, _, rec := newTestUnwinder(t, venue, fastUnwinderConfig())
	ctx := context.Background()

	res, err := unwinder.Flatten(ctx, "c1", "ETH-PERP")
	require.NoError(t, err)

	assert.Equal(t, TierEmergency, res.Strategy)
	assert.True(t, res.FilledQty.Equal(decimal.NewFromFloat(0.5)), "got %s", res.FilledQty)
	assert.True(t, res.AvgPrice.IsPositive())

	pos, err := venue.QueryPosition(ctx, "ETH-PERP")
	require.NoError(t, err)
	assert.True(t, pos.IsZero())
	assert.True(t, rec.View("ETH-PERP").Authoritative.IsZero())
}

func TestFlattenClosesShort(t *testing.T) {
	venue := newTestVenue(t, testInstruments())
	venue.SeedPosition("SOL-PERP", decimal.NewFromFloat(-2.5))
	unwinder, _, _ := newTestUnwinder(t, venue, fastUnwinderConfig())
	ctx := context.Background()

	res, err := unwinder.Flatten(ctx, "c1", "SOL-PERP")
	require.NoError(t, err)
	assert.True(t, res.FilledQty.Equal(decimal.NewFromFloat(2.5)), "short cover buys back the full size")

	pos, err := venue.QueryPosition(ctx, "SOL-PERP")
	require.NoError(t, err)
	assert.True(t, pos.IsZero())
}

func TestFlattenAlreadyFlat(t *testing.T) {
	venue := newTestVenue(t, testInstruments())
	unwinder, router, _ := newTestUnwinder(t, venue, fastUnwinderConfig())

	placed := 0
	router.OnOrder(func(OrderEvent) { placed++ })

	res, err := unwinder.Flatten(context.Background(), "c1", "ETH-PERP")
	require.NoError(t, err)
	assert.True(t, res.FilledQty.IsZero())
	assert.Zero(t, placed, "flat ticker must not trade")
}

func TestFlattenDeadlineReportsRemaining(t *testing.T) {
	venue := newTestVenue(t, testInstruments())
	venue.SeedPosition("ETH-PERP", decimal.NewFromFloat(0.5))
	venue.Configure("ETH-PERP", gateway.TickerConfig{Mode: gateway.FillNever})
	cfg := fastUnwinderConfig()
	cfg.FlattenTimeout = 150 * time.Millisecond
	unwinder, _, _ := newTestUnwinder(t, venue, cfg)

	_, err := unwinder.Flatten(context.Background(), "c1", "ETH-PERP")

	var stuck *types.EmergencyFlattenError
	require.ErrorAs(t, err, &stuck)
	assert.Equal(t, "ETH-PERP", stuck.Ticker)
	assert.True(t, stuck.Remaining.Equal(decimal.NewFromFloat(0.5)))
}

func TestFlattenConvergesOnPartialFills(t *testing.T) {
	venue := newTestVenue(t, testInstruments())
	venue.SeedPosition("ETH-PERP", decimal.NewFromFloat(0.4))
	venue.Configure("ETH-PERP", gateway.TickerConfig{
		Mode:         gateway.FillPartial,
		PartialRatio: decimal.NewFromFloat(0.5),
	})

	// Halving fills lot-floor to a standstill one lot above zero, so flat is
	// a dust threshold here rather than the shared sub-lot tolerance.
	rec := NewReconciler(venue, decimal.NewFromFloat(0.01), 0)
	router := NewRouter(venue, rec, testInstruments(), fastRouterConfig())
	cfg := fastUnwinderConfig()
	cfg.FlattenTimeout = 3 * time.Second
	unwinder := NewUnwinder(rec, router, cfg)

	placed := 0
	router.OnOrder(func(OrderEvent) { placed++ })

	start := time.Now()
	res, err := unwinder.Flatten(context.Background(), "c1", "ETH-PERP")
	require.NoError(t, err, "partial fills must be chased, not parked")

	// 0.4 halves through 0.2, 0.1, 0.05, 0.025, 0.013, 0.007: six orders.
	assert.Equal(t, 6, placed)
	assert.True(t, res.FilledQty.Equal(decimal.NewFromFloat(0.393)), "got %s", res.FilledQty)
	assert.Less(t, time.Since(start), cfg.FlattenTimeout/2, "convergence must not ride the deadline")

	pos, err := venue.QueryPosition(context.Background(), "ETH-PERP")
	require.NoError(t, err)
	assert.True(t, pos.LessThan(decimal.NewFromFloat(0.01)), "dust only, got %s", pos)
}

func TestFlattenRetriesWhileTickerLatchHeld(t *testing.T) {
	venue := newTestVenue(t, testInstruments())
	venue.SeedPosition("ETH-PERP", decimal.NewFromFloat(0.4))
	unwinder, router, _ := newTestUnwinder(t, venue, fastUnwinderConfig())

	// A sibling placement owns the ticker until well into the window.
	require.NoError(t, router.acquire("ETH-PERP"))
	go func() {
		time.Sleep(60 * time.Millisecond)
		router.release("ETH-PERP")
	}()

	res, err := unwinder.Flatten(context.Background(), "c1", "ETH-PERP")
	require.NoError(t, err, "a lost latch race is retried, not fatal")
	assert.True(t, res.FilledQty.Equal(decimal.NewFromFloat(0.4)), "got %s", res.FilledQty)

	pos, err := venue.QueryPosition(context.Background(), "ETH-PERP")
	require.NoError(t, err)
	assert.True(t, pos.IsZero())
}

func TestFlattenBothClosesBothSides(t *testing.T) {
	venue := newTestVenue(t, testInstruments())
	venue.SeedPosition("ETH-PERP", decimal.NewFromFloat(0.25))
	venue.SeedPosition("SOL-PERP", decimal.NewFromFloat(-3.1))
	unwinder, _, _ := newTestUnwinder(t, venue, fastUnwinderConfig())
	ctx := context.Background()

	fills, err := unwinder.FlattenBoth(ctx, "c1", "ETH-PERP", "SOL-PERP")
	require.NoError(t, err)

	assert.True(t, fills["ETH-PERP"].FilledQty.Equal(decimal.NewFromFloat(0.25)))
	assert.True(t, fills["SOL-PERP"].FilledQty.Equal(decimal.NewFromFloat(3.1)))

	for _, ticker := range []string{"ETH-PERP", "SOL-PERP"} {
		pos, err := venue.QueryPosition(ctx, ticker)
		require.NoError(t, err)
		assert.True(t, pos.IsZero(), "%s still open: %s", ticker, pos)
	}
}

func TestFlattenBothReportsPartialFailure(t *testing.T) {
	venue := newTestVenue(t, testInstruments())
	venue.SeedPosition("ETH-PERP", decimal.NewFromFloat(0.5))
	venue.SeedPosition("SOL-PERP", decimal.NewFromFloat(-2.5))
	venue.Configure("ETH-PERP", gateway.TickerConfig{Mode: gateway.FillNever})
	cfg := fastUnwinderConfig()
	cfg.FlattenTimeout = 150 * time.Millisecond
	unwinder, _, _ := newTestUnwinder(t, venue, cfg)
	ctx := context.Background()

	fills, err := unwinder.FlattenBoth(ctx, "c1", "ETH-PERP", "SOL-PERP")

	var stuck *types.EmergencyFlattenError
	require.ErrorAs(t, err, &stuck)
	assert.Equal(t, "ETH-PERP", stuck.Ticker)

	// The healthy side still closed.
	assert.True(t, fills["SOL-PERP"].FilledQty.Equal(decimal.NewFromFloat(2.5)))
	pos, err := venue.QueryPosition(ctx, "SOL-PERP")
	require.NoError(t, err)
	assert.True(t, pos.IsZero())
}
