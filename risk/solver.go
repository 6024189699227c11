package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BALANCED QUANTITY SOLVER - Lot-constrained notional matching
// ═══════════════════════════════════════════════════════════════════════════════
//
// Both legs must carry (nearly) equal notional or the pair is not
// delta-neutral. Lot grids make exact equality impossible, so the solver
// searches candidate lot multiples around each leg's ideal quantity:
//
//   base   = round(target / price / lot) * lot
//   cands  = base ± k*lot, k in [0, window], each within the allowed
//            deviation from the per-leg target
//   pick   = argmin |qA*pA - qB*pB| / max(qA*pA, qB*pB), ties broken
//            toward lower combined notional
//
// A target below one lot is rejected outright. Rounding a sub-lot target up
// would trade more than asked, which is worse than not trading.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SolverConfig bounds the candidate search
type SolverConfig struct {
	WindowLots   int             // lot steps probed on each side of the base quantity
	MaxDeviation decimal.Decimal // max fraction a candidate may stray from the per-leg target
}

// DefaultSolverConfig returns sensible defaults
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		WindowLots:   5,
		MaxDeviation: decimal.NewFromFloat(0.20),
	}
}

// BalancedPair is the solver's output
type BalancedPair struct {
	QtyA      decimal.Decimal
	QtyB      decimal.Decimal
	Imbalance decimal.Decimal // |nA-nB| / max(nA,nB)
}

// BalancedQuantities finds lot-valid quantities for both legs whose notionals
// match as closely as the grids allow.
func BalancedQuantities(target, priceA, priceB, lotA, lotB decimal.Decimal, cfg SolverConfig) (BalancedPair, error) {
	if !target.IsPositive() {
		return BalancedPair{}, &types.ConfigError{Field: "target_notional", Msg: "must be positive"}
	}
	if !priceA.IsPositive() || !priceB.IsPositive() {
		return BalancedPair{}, fmt.Errorf("solver: non-positive price (a=%s b=%s)", priceA, priceB)
	}

	candsA, err := candidates(target, priceA, lotA, cfg)
	if err != nil {
		return BalancedPair{}, err
	}
	candsB, err := candidates(target, priceB, lotB, cfg)
	if err != nil {
		return BalancedPair{}, err
	}

	var best BalancedPair
	bestSet := false
	for _, qA := range candsA {
		nA := qA.Mul(priceA)
		for _, qB := range candsB {
			nB := qB.Mul(priceB)
			imb := nA.Sub(nB).Abs().Div(decimal.Max(nA, nB))
			if !bestSet || imb.LessThan(best.Imbalance) ||
				(imb.Equal(best.Imbalance) && nA.Add(nB).LessThan(best.QtyA.Mul(priceA).Add(best.QtyB.Mul(priceB)))) {
				best = BalancedPair{QtyA: qA, QtyB: qB, Imbalance: imb}
				bestSet = true
			}
		}
	}
	if !bestSet {
		return BalancedPair{}, fmt.Errorf("solver: no candidate pair within %s deviation of %s", cfg.MaxDeviation, target)
	}
	return best, nil
}

// candidates enumerates lot multiples around the ideal quantity that stay
// within the deviation bound
func candidates(target, price, lot decimal.Decimal, cfg SolverConfig) ([]decimal.Decimal, error) {
	if !lot.IsPositive() {
		return nil, &types.ConfigError{Field: "lot_size", Msg: "must be positive"}
	}

	base := target.Div(price).Div(lot).Round(0)
	if !base.IsPositive() {
		return nil, fmt.Errorf("%w: target %s buys less than one lot of %s at %s",
			types.ErrZeroLotQuantity, target, lot, price)
	}

	window := decimal.NewFromInt(int64(cfg.WindowLots))
	lo := decimal.Max(base.Sub(window), decimal.NewFromInt(1))
	hi := base.Add(window)

	var out []decimal.Decimal
	for m := lo; m.LessThanOrEqual(hi); m = m.Add(decimal.NewFromInt(1)) {
		qty := m.Mul(lot)
		deviation := qty.Mul(price).Sub(target).Abs().Div(target)
		if deviation.LessThanOrEqual(cfg.MaxDeviation) {
			out = append(out, qty)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("solver: every lot multiple near %s strays more than %s from target %s",
			base.Mul(lot), cfg.MaxDeviation, target)
	}
	return out, nil
}

// IsolatedMargin converts a notional into the margin posted for it
func IsolatedMargin(notional, leverage decimal.Decimal) decimal.Decimal {
	if !leverage.IsPositive() {
		return notional
	}
	return notional.Div(leverage)
}
