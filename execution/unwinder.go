package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/metrics"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EMERGENCY UNWINDER - Forced position closure
// ═══════════════════════════════════════════════════════════════════════════════
//
// Last line of defense against a one-legged book. Reads the authoritative
// position, derives the closing side from its sign, and hammers
// guaranteed-fill orders until the venue reports flat or the window closes.
// Price is irrelevant here; an open single leg is unbounded directional risk.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TierEmergency marks fills produced by forced closure
const TierEmergency = "EMERGENCY"

// UnwinderConfig holds emergency closure settings
type UnwinderConfig struct {
	FlattenTimeout      time.Duration
	FlattenPollInterval time.Duration
	ReorderInterval     time.Duration // re-place the remainder after this long without progress
}

// DefaultUnwinderConfig returns sensible defaults
func DefaultUnwinderConfig() UnwinderConfig {
	return UnwinderConfig{
		FlattenTimeout:      30 * time.Second,
		FlattenPollInterval: 500 * time.Millisecond,
		ReorderInterval:     3 * time.Second,
	}
}

// Unwinder force-closes positions with guaranteed-fill orders
type Unwinder struct {
	cfg    UnwinderConfig
	rec    *Reconciler
	router *Router
}

// NewUnwinder creates an emergency unwind handler
func NewUnwinder(rec *Reconciler, router *Router, cfg UnwinderConfig) *Unwinder {
	if cfg.ReorderInterval <= 0 {
		cfg.ReorderInterval = DefaultUnwinderConfig().ReorderInterval
	}
	return &Unwinder{cfg: cfg, rec: rec, router: router}
}

// Flatten closes whatever position the venue reports on the ticker. Partial
// fills, rejections, and lost latch races all get a fresh order sized from
// the latest authoritative read, so the remainder keeps shrinking while time
// remains. Returns what it filled doing so; a position still open at the
// deadline is an EmergencyFlattenError and needs operator attention.
func (u *Unwinder) Flatten(ctx context.Context, cycleID, ticker string) (types.FillResult, error) {
	deadline := time.Now().Add(u.cfg.FlattenTimeout)
	acc := types.FillResult{Strategy: TierEmergency}

	pos, err := u.rec.Snapshot(ctx, ticker)
	if err != nil {
		return acc, err
	}
	if u.rec.Flat(pos) {
		log.Debug().Str("ticker", ticker).Msg("Position already flat, nothing to unwind")
		return acc, nil
	}

	log.Warn().
		Str("ticker", ticker).
		Str("position", pos.String()).
		Msg("🚨 EMERGENCY UNWIND - force-closing position")

	for {
		side := types.SideSell
		if pos.IsNegative() {
			side = types.SideBuy
		}

		res, err := u.router.PlaceGuaranteed(ctx, cycleID, ticker, side, pos.Abs())
		acc = mergeFills(acc, res)
		acc.Strategy = TierEmergency
		if err != nil {
			// The next pass re-sizes from a fresh read and places again.
			log.Error().Err(err).Str("ticker", ticker).Msg("❌ Emergency close order failed, retrying")
		}

		pos, err = u.awaitChange(ctx, ticker, pos, deadline)
		if err != nil {
			metrics.IncEmergencyFlatten(ticker, false)
			return acc, err
		}
		if u.rec.Flat(pos) {
			log.Info().Str("ticker", ticker).Msg("✅ Emergency unwind verified flat")
			metrics.IncEmergencyFlatten(ticker, true)
			return acc, nil
		}
		if time.Now().After(deadline) {
			metrics.IncEmergencyFlatten(ticker, false)
			return acc, &types.EmergencyFlattenError{Ticker: ticker, Remaining: pos}
		}
	}
}

// awaitChange polls the authoritative position until it goes flat, moves off
// the pre-order baseline, or sits unchanged for a full reorder interval.
// Returning on anything but flat hands the remainder back to Flatten for
// another order; only a flat read or the deadline ends the unwind.
func (u *Unwinder) awaitChange(ctx context.Context, ticker string, baseline decimal.Decimal, deadline time.Time) (decimal.Decimal, error) {
	reorderAt := time.Now().Add(u.cfg.ReorderInterval)
	for {
		pos, err := u.rec.Snapshot(ctx, ticker)
		if err != nil {
			return decimal.Zero, err
		}
		if u.rec.Flat(pos) || !pos.Equal(baseline) {
			return pos, nil
		}
		now := time.Now()
		if now.After(deadline) || now.After(reorderAt) {
			return pos, nil
		}
		select {
		case <-ctx.Done():
			return pos, ctx.Err()
		case <-time.After(u.cfg.FlattenPollInterval):
		}
	}
}

// FlattenBoth closes two tickers concurrently and reports every failure
func (u *Unwinder) FlattenBoth(ctx context.Context, cycleID, tickerA, tickerB string) (map[string]types.FillResult, error) {
	tickers := []string{tickerA, tickerB}
	fills := make([]types.FillResult, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i, ticker := range tickers {
		wg.Add(1)
		go func(i int, ticker string) {
			defer wg.Done()
			fills[i], errs[i] = u.Flatten(ctx, cycleID, ticker)
		}(i, ticker)
	}
	wg.Wait()

	out := map[string]types.FillResult{tickerA: fills[0], tickerB: fills[1]}
	return out, errors.Join(errs...)
}
