package execution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/gateway"
	"github.com/web3guy0/pairbot/metrics"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION RECONCILIATION - Authoritative truth vs optimistic belief
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two tiers per ticker:
// 1. Authoritative: what the venue says we hold. The only value that may
//    drive a phase transition.
// 2. Optimistic: the local belief updated the moment a fill is reported,
//    shrinking the decision-latency window. Never trusted across a
//    reconcile boundary.
//
// The staleness rule guards against exchange-side propagation lag: a flat
// reading taken too soon after an order submission is re-queried once
// before anyone acts on it.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Reconciler owns the position snapshots. Everyone else reads copies.
type Reconciler struct {
	mu sync.RWMutex
	gw gateway.ExchangeGateway

	tolerance decimal.Decimal
	staleness time.Duration

	snapshots   map[string]*types.PositionSnapshot
	lastSubmits map[string]time.Time
}

// NewReconciler creates a reconciler over the gateway
func NewReconciler(gw gateway.ExchangeGateway, tolerance decimal.Decimal, staleness time.Duration) *Reconciler {
	return &Reconciler{
		gw:          gw,
		tolerance:   tolerance,
		staleness:   staleness,
		snapshots:   make(map[string]*types.PositionSnapshot),
		lastSubmits: make(map[string]time.Time),
	}
}

// Tolerance is the flatness threshold shared by the engine
func (r *Reconciler) Tolerance() decimal.Decimal {
	return r.tolerance
}

// Flat reports whether a signed position counts as closed
func (r *Reconciler) Flat(v decimal.Decimal) bool {
	return v.Abs().LessThan(r.tolerance)
}

// MarkOrderSubmitted records when a ticker last had an order placed.
// The router calls this on every submission.
func (r *Reconciler) MarkOrderSubmitted(ticker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSubmits[ticker] = time.Now()
}

// ApplyOptimistic shifts the local belief right after a believed fill.
// Superseded by the next Snapshot or Reconcile.
func (r *Reconciler) ApplyOptimistic(ticker string, signedDelta decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot(ticker)
	snap.Optimistic = snap.Optimistic.Add(signedDelta)
}

// snapshot returns the stored entry, creating it if needed.
// Callers hold r.mu for writing.
func (r *Reconciler) snapshot(ticker string) *types.PositionSnapshot {
	snap, ok := r.snapshots[ticker]
	if !ok {
		snap = &types.PositionSnapshot{Ticker: ticker}
		r.snapshots[ticker] = snap
	}
	return snap
}

// peek returns a copy without touching the map. Callers hold r.mu for reading.
func (r *Reconciler) peek(ticker string) types.PositionSnapshot {
	if snap, ok := r.snapshots[ticker]; ok {
		return *snap
	}
	return types.PositionSnapshot{Ticker: ticker}
}

// authoritative queries the venue, honoring the staleness rule: a flat
// reading within the staleness window of the last submission is delayed
// once and re-queried before being believed.
func (r *Reconciler) authoritative(ctx context.Context, ticker string) (decimal.Decimal, error) {
	pos, err := r.gw.QueryPosition(ctx, ticker)
	if err != nil {
		return decimal.Zero, err
	}

	if !r.Flat(pos) {
		return pos, nil
	}

	r.mu.RLock()
	last, ok := r.lastSubmits[ticker]
	r.mu.RUnlock()
	if !ok {
		return pos, nil
	}

	since := time.Since(last)
	if since >= r.staleness {
		return pos, nil
	}

	wait := r.staleness - since
	log.Debug().
		Str("ticker", ticker).
		Dur("wait", wait).
		Msg("Flat read inside staleness window, re-querying")

	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case <-time.After(wait):
	}
	return r.gw.QueryPosition(ctx, ticker)
}

// Snapshot performs an authoritative query and overwrites the optimistic
// value for that ticker.
func (r *Reconciler) Snapshot(ctx context.Context, ticker string) (decimal.Decimal, error) {
	pos, err := r.authoritative(ctx, ticker)
	if err != nil {
		return decimal.Zero, &types.TransientError{Op: "snapshot " + ticker, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot(ticker)
	snap.Authoritative = pos
	snap.Optimistic = pos
	snap.ReconciledAt = time.Now()
	return pos, nil
}

// Reconcile compares the stored optimistic value against a fresh
// authoritative read. Drift beyond tolerance is logged and realigned,
// never fatal.
func (r *Reconciler) Reconcile(ctx context.Context, ticker string) (decimal.Decimal, bool, error) {
	r.mu.RLock()
	optimistic := r.peek(ticker).Optimistic
	r.mu.RUnlock()

	pos, err := r.authoritative(ctx, ticker)
	if err != nil {
		return decimal.Zero, false, &types.TransientError{Op: "reconcile " + ticker, Err: err}
	}

	drift := optimistic.Sub(pos).Abs().GreaterThan(r.tolerance)
	if drift {
		log.Warn().
			Str("ticker", ticker).
			Str("optimistic", optimistic.String()).
			Str("authoritative", pos.String()).
			Msg("⚠️ Position drift detected, realigning to venue")
		metrics.IncDriftCorrection(ticker)
	}

	r.mu.Lock()
	snap := r.snapshot(ticker)
	snap.Authoritative = pos
	snap.Optimistic = pos
	snap.ReconciledAt = time.Now()
	r.mu.Unlock()

	return pos, drift, nil
}

// View returns a read-only copy of the stored snapshot
func (r *Reconciler) View(ticker string) types.PositionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peek(ticker)
}
