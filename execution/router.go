package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/gateway"
	"github.com/web3guy0/pairbot/metrics"
	"github.com/web3guy0/pairbot/risk"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER ROUTER - Escalating placement ladder
// ═══════════════════════════════════════════════════════════════════════════════
//
// Tiers, in order:
// 1. PASSIVE: rest at the touch on our own side (buy at bid, sell at ask).
//    Pricing a tick behind the touch creates a permanent non-filling gap,
//    so the touch itself is the only passive price ever used.
// 2. GUARANTEED_FILL: cancel the remainder and cross the spread, wait
//    scaled to order size.
// Large orders (above the instrument's slice threshold) skip the single
// resting attempt and walk book depth level by level instead.
//
// One outstanding order per ticker, ever. Orders are never abandoned: every
// exit path runs the live order to a terminal state first.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Tier names reported in FillResult.Strategy
const (
	TierPassive    = string(types.StylePassive)
	TierGuaranteed = string(types.StyleGuaranteedFill)
	TierSliced     = "SLICED"
)

// RouterConfig holds router settings
type RouterConfig struct {
	PassiveWait        time.Duration   // resting time before escalation
	FillPollInterval   time.Duration   // status poll cadence
	GuaranteedWaitBase time.Duration   // crossing wait for normal size
	GuaranteedWaitMax  time.Duration   // crossing wait ceiling for large size
	MinFillRatio       decimal.Decimal // accept threshold for partials
	MaxRetries         int             // transient submit retries
}

// DefaultRouterConfig returns sensible defaults
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		PassiveWait:        3 * time.Second,
		FillPollInterval:   250 * time.Millisecond,
		GuaranteedWaitBase: 5 * time.Second,
		GuaranteedWaitMax:  10 * time.Second,
		MinFillRatio:       decimal.NewFromFloat(0.5),
		MaxRetries:         2,
	}
}

// OrderEvent describes one finished order attempt for observers
type OrderEvent struct {
	CycleID   string
	Ticker    string
	Side      types.Side
	Tier      string
	Price     decimal.Decimal
	Qty       decimal.Decimal
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	FeeBps    decimal.Decimal
	State     types.OrderState
	Latency   time.Duration
}

// inflightOrder is the per-ticker latch entry
type inflightOrder struct {
	handle  types.OrderHandle
	aborted bool
}

// Router places leg orders with escalating aggression
type Router struct {
	mu          sync.Mutex
	cfg         RouterConfig
	gw          gateway.ExchangeGateway
	rec         *Reconciler
	instruments map[string]types.Instrument

	inflight map[string]*inflightOrder

	onOrder func(OrderEvent)
}

// NewRouter creates an order router
func NewRouter(gw gateway.ExchangeGateway, rec *Reconciler, instruments map[string]types.Instrument, cfg RouterConfig) *Router {
	log.Info().
		Dur("passive_wait", cfg.PassiveWait).
		Dur("guaranteed_wait", cfg.GuaranteedWaitBase).
		Str("min_fill_ratio", cfg.MinFillRatio.String()).
		Msg("⚡ Order router initialized")
	return &Router{
		cfg:         cfg,
		gw:          gw,
		rec:         rec,
		instruments: instruments,
		inflight:    make(map[string]*inflightOrder),
	}
}

// OnOrder sets the callback invoked after every order reaches a terminal state
func (r *Router) OnOrder(fn func(OrderEvent)) {
	r.onOrder = fn
}

// ═══════════════════════════════════════════════════════════════════════════════
// PLACEMENT
// ═══════════════════════════════════════════════════════════════════════════════

// Place executes one leg for the given phase. BUILD phases trade the leg's
// entry direction, UNWIND phases the opposite. The returned FillResult
// reports what actually filled; callers must treat FilledQty as truth.
func (r *Router) Place(ctx context.Context, cycleID string, leg *types.Leg, phase types.Phase) (types.FillResult, error) {
	side := leg.Direction
	switch phase {
	case types.PhaseBuildPlacing:
	case types.PhaseUnwindPlacing:
		side = side.Opposite()
	default:
		return types.FillResult{}, fmt.Errorf("router: no placement in phase %s", phase)
	}

	inst, ok := r.instruments[leg.Ticker]
	if !ok {
		return types.FillResult{}, &types.ConfigError{Field: "instruments", Msg: "unknown ticker " + leg.Ticker}
	}

	if err := r.acquire(leg.Ticker); err != nil {
		return types.FillResult{}, err
	}
	defer r.release(leg.Ticker)

	start := time.Now()
	var res types.FillResult
	var err error
	if inst.SliceAbove.IsPositive() && leg.Qty.GreaterThan(inst.SliceAbove) {
		res, err = r.walkBook(ctx, cycleID, inst, side, leg.Qty)
	} else {
		res, err = r.ladder(ctx, cycleID, inst, side, leg.Qty)
	}
	res.Latency = time.Since(start)
	if err != nil {
		return res, err
	}

	// Partial-fill policy: accept above the ratio with a follow-up for the
	// shortfall, fail the leg below it.
	if res.FilledQty.LessThan(leg.Qty) {
		ratio := res.FilledQty.Div(leg.Qty)
		if ratio.LessThan(r.cfg.MinFillRatio) {
			log.Warn().
				Str("ticker", leg.Ticker).
				Str("filled", res.FilledQty.String()).
				Str("requested", leg.Qty.String()).
				Msg("❌ Fill ratio below minimum, failing leg")
			return res, &types.OrderRejectedError{
				Ticker: leg.Ticker,
				Reason: fmt.Sprintf("filled %s of %s, below min ratio %s", res.FilledQty, leg.Qty, r.cfg.MinFillRatio),
			}
		}

		shortfall := leg.Qty.Sub(res.FilledQty)
		log.Info().
			Str("ticker", leg.Ticker).
			Str("shortfall", shortfall.String()).
			Msg("Follow-up order for partial shortfall")
		followUp, fuErr := r.guaranteed(ctx, cycleID, inst, side, shortfall)
		res = mergeFills(res, followUp)
		res.Latency = time.Since(start)
		if fuErr != nil {
			return res, fuErr
		}
	}

	metrics.IncOrderFilled(leg.Ticker, res.Strategy)
	return res, nil
}

// PlaceGuaranteed skips the passive tier entirely. Used for emergency
// closes where immediacy beats price.
func (r *Router) PlaceGuaranteed(ctx context.Context, cycleID, ticker string, side types.Side, qty decimal.Decimal) (types.FillResult, error) {
	inst, ok := r.instruments[ticker]
	if !ok {
		return types.FillResult{}, &types.ConfigError{Field: "instruments", Msg: "unknown ticker " + ticker}
	}
	if err := r.acquire(ticker); err != nil {
		return types.FillResult{}, err
	}
	defer r.release(ticker)

	start := time.Now()
	res, err := r.guaranteed(ctx, cycleID, inst, side, qty)
	res.Latency = time.Since(start)
	return res, err
}

// CancelOutstanding kills the live order on a ticker, if any, and blocks
// further tiers of the in-flight placement. Used to cut the sibling leg
// loose when its partner fails.
func (r *Router) CancelOutstanding(ctx context.Context, ticker string) (bool, error) {
	r.mu.Lock()
	entry, ok := r.inflight[ticker]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	entry.aborted = true
	handle := entry.handle
	r.mu.Unlock()

	if handle.OrderID == "" {
		return false, nil
	}
	_, err := r.cancelAndConfirm(ctx, handle)
	if err != nil {
		return false, err
	}
	log.Info().Str("ticker", ticker).Msg("🪓 Outstanding order cancelled")
	return true, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TIERS
// ═══════════════════════════════════════════════════════════════════════════════

// ladder runs passive then guaranteed-fill for normal-size orders
func (r *Router) ladder(ctx context.Context, cycleID string, inst types.Instrument, side types.Side, qty decimal.Decimal) (types.FillResult, error) {
	book, err := r.queryBook(ctx, inst.Ticker)
	if err != nil {
		return types.FillResult{}, err
	}

	// Tier 1: rest at the touch on our own side.
	passive, err := r.executeOrder(ctx, cycleID, orderSpec{
		inst:  inst,
		side:  side,
		qty:   qty,
		price: book.Touch(side),
		style: types.StylePassive,
		tier:  TierPassive,
		wait:  r.cfg.PassiveWait,
	})
	if err != nil {
		var rejected *types.OrderRejectedError
		if !errors.As(err, &rejected) {
			return passive, err
		}
		// Rejection escalates like a timeout.
	}
	if passive.FilledQty.GreaterThanOrEqual(qty) {
		return passive, nil
	}

	// Tier 2: cross the spread for the remainder.
	metrics.IncEscalation(inst.Ticker)
	log.Info().
		Str("ticker", inst.Ticker).
		Str("filled", passive.FilledQty.String()).
		Str("remaining", qty.Sub(passive.FilledQty).String()).
		Msg("⏫ Passive tier exhausted, crossing the spread")

	guaranteed, err := r.guaranteed(ctx, cycleID, inst, side, qty.Sub(passive.FilledQty))
	merged := mergeFills(passive, guaranteed)
	if err != nil {
		return merged, err
	}
	return merged, nil
}

// guaranteed crosses the spread fully, with the wait scaled to size
func (r *Router) guaranteed(ctx context.Context, cycleID string, inst types.Instrument, side types.Side, qty decimal.Decimal) (types.FillResult, error) {
	if !qty.IsPositive() {
		return types.FillResult{Strategy: TierGuaranteed}, nil
	}
	book, err := r.queryBook(ctx, inst.Ticker)
	if err != nil {
		return types.FillResult{}, err
	}
	return r.executeOrder(ctx, cycleID, orderSpec{
		inst:  inst,
		side:  side,
		qty:   qty,
		price: book.Cross(side),
		style: types.StyleGuaranteedFill,
		tier:  TierGuaranteed,
		wait:  r.guaranteedWait(inst, qty),
	})
}

// guaranteedWait scales the crossing wait by order size relative to the
// instrument's slice threshold
func (r *Router) guaranteedWait(inst types.Instrument, qty decimal.Decimal) time.Duration {
	if !inst.SliceAbove.IsPositive() {
		return r.cfg.GuaranteedWaitBase
	}
	scale, _ := qty.Div(inst.SliceAbove).Float64()
	if scale > 1 {
		scale = 1
	}
	extra := time.Duration(float64(r.cfg.GuaranteedWaitMax-r.cfg.GuaranteedWaitBase) * scale)
	return r.cfg.GuaranteedWaitBase + extra
}

// walkBook slices a large order across resting depth, re-pricing level by
// level until filled or the visible book is exhausted
func (r *Router) walkBook(ctx context.Context, cycleID string, inst types.Instrument, side types.Side, qty decimal.Decimal) (types.FillResult, error) {
	remaining := qty
	acc := types.FillResult{Strategy: TierSliced}

	for remaining.IsPositive() {
		if r.isAborted(inst.Ticker) {
			return acc, &types.OrderRejectedError{Ticker: inst.Ticker, Reason: "placement aborted"}
		}
		book, err := r.queryBook(ctx, inst.Ticker)
		if err != nil {
			return acc, err
		}

		levels := r.crossLevels(book, side)
		if len(levels) == 0 {
			break
		}

		progressed := false
		for _, lvl := range levels {
			if !remaining.IsPositive() {
				break
			}
			slice := decimal.Min(remaining, lvl.Qty)
			if inst.LotSize.IsPositive() {
				slice = slice.Div(inst.LotSize).Floor().Mul(inst.LotSize)
			}
			if !slice.IsPositive() {
				continue
			}

			res, err := r.executeOrder(ctx, cycleID, orderSpec{
				inst:  inst,
				side:  side,
				qty:   slice,
				price: lvl.Price,
				style: types.StyleGuaranteedFill,
				tier:  TierSliced,
				wait:  r.cfg.GuaranteedWaitBase,
			})
			acc = mergeFills(acc, res)
			acc.Strategy = TierSliced
			if err != nil {
				var rejected *types.OrderRejectedError
				if errors.As(err, &rejected) {
					continue
				}
				return acc, err
			}
			if res.FilledQty.IsPositive() {
				remaining = remaining.Sub(res.FilledQty)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	// Whatever the visible book could not absorb goes out as one final cross.
	if remaining.IsPositive() {
		res, err := r.guaranteed(ctx, cycleID, inst, side, remaining)
		acc = mergeFills(acc, res)
		acc.Strategy = TierSliced
		if err != nil {
			return acc, err
		}
	}
	return acc, nil
}

// crossLevels returns the opposite side of the book, touch first
func (r *Router) crossLevels(book types.BookTop, side types.Side) []types.BookLevel {
	if side == types.SideBuy {
		return append([]types.BookLevel{{Price: book.Ask, Qty: book.AskQty}}, book.Asks...)
	}
	return append([]types.BookLevel{{Price: book.Bid, Qty: book.BidQty}}, book.Bids...)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

type orderSpec struct {
	inst  types.Instrument
	side  types.Side
	qty   decimal.Decimal
	price decimal.Decimal
	style types.OrderStyle
	tier  string
	wait  time.Duration
}

// executeOrder submits one order, waits out its window and guarantees a
// terminal state before returning
func (r *Router) executeOrder(ctx context.Context, cycleID string, spec orderSpec) (types.FillResult, error) {
	if r.isAborted(spec.inst.Ticker) {
		return types.FillResult{Strategy: spec.tier}, &types.OrderRejectedError{Ticker: spec.inst.Ticker, Reason: "placement aborted"}
	}

	notional := spec.price.Mul(spec.qty)
	req := types.OrderRequest{
		Ticker:         spec.inst.Ticker,
		Side:           spec.side,
		Qty:            spec.qty,
		Price:          spec.price,
		Style:          spec.style,
		IsolatedMargin: risk.IsolatedMargin(notional, spec.inst.Leverage),
		ClientID:       fmt.Sprintf("PB_%s_%d", cycleID, time.Now().UnixNano()),
	}
	if err := req.Validate(); err != nil {
		return types.FillResult{Strategy: spec.tier}, err
	}

	submitted := time.Now()
	handle, err := r.submitWithRetry(ctx, req)
	if err != nil {
		return types.FillResult{Strategy: spec.tier}, err
	}
	r.rec.MarkOrderSubmitted(spec.inst.Ticker)
	r.setHandle(spec.inst.Ticker, handle)
	metrics.IncOrderPlaced(spec.inst.Ticker, spec.side, spec.tier)

	log.Info().
		Str("ticker", spec.inst.Ticker).
		Str("side", string(spec.side)).
		Str("tier", spec.tier).
		Str("price", spec.price.String()).
		Str("qty", spec.qty.String()).
		Msg("📤 Order submitted")

	upd, err := r.awaitFill(ctx, handle, spec.qty, spec.wait)
	if err != nil {
		// Run the order to ground even when the context died.
		final, cancelErr := r.cancelAndConfirm(context.Background(), handle)
		if cancelErr == nil {
			upd = final
		}
		r.settle(cycleID, spec, handle, upd, submitted)
		return fillFromUpdate(upd, spec.tier), err
	}

	if !upd.State.Terminal() {
		final, cancelErr := r.cancelAndConfirm(ctx, handle)
		if cancelErr != nil {
			return fillFromUpdate(upd, spec.tier), cancelErr
		}
		upd = final
	}

	r.settle(cycleID, spec, handle, upd, submitted)

	if upd.State == types.OrderStateRejected || upd.State == types.OrderStateFailed {
		return fillFromUpdate(upd, spec.tier), &types.OrderRejectedError{Ticker: spec.inst.Ticker, Reason: "venue state " + string(upd.State)}
	}
	return fillFromUpdate(upd, spec.tier), nil
}

// settle applies the optimistic delta and notifies observers
func (r *Router) settle(cycleID string, spec orderSpec, handle types.OrderHandle, upd types.OrderUpdate, submitted time.Time) {
	if upd.FilledQty.IsPositive() {
		r.rec.ApplyOptimistic(spec.inst.Ticker, upd.FilledQty.Mul(spec.side.Sign()))
	}
	if r.onOrder != nil {
		r.onOrder(OrderEvent{
			CycleID:   cycleID,
			Ticker:    spec.inst.Ticker,
			Side:      spec.side,
			Tier:      spec.tier,
			Price:     spec.price,
			Qty:       spec.qty,
			FilledQty: upd.FilledQty,
			AvgPrice:  upd.AvgPrice,
			FeeBps:    upd.FeeBps,
			State:     upd.State,
			Latency:   time.Since(submitted),
		})
	}
}

// submitWithRetry retries transient submission failures with linear backoff
func (r *Router) submitWithRetry(ctx context.Context, req types.OrderRequest) (types.OrderHandle, error) {
	var handle types.OrderHandle
	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		handle, err = r.gw.SubmitOrder(ctx, req)
		if err == nil {
			return handle, nil
		}
		var transient *types.TransientError
		if !errors.As(err, &transient) {
			return types.OrderHandle{}, err
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Str("ticker", req.Ticker).
			Msg("⚠️ Order submission failed, retrying...")
		if attempt < r.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return types.OrderHandle{}, ctx.Err()
			case <-time.After(time.Duration(100*(attempt+1)) * time.Millisecond):
			}
		}
	}
	return types.OrderHandle{}, err
}

// awaitFill polls order status until full fill, a terminal state, or the
// window closes. The returned update is the freshest seen.
func (r *Router) awaitFill(ctx context.Context, handle types.OrderHandle, qty decimal.Decimal, wait time.Duration) (types.OrderUpdate, error) {
	deadline := time.Now().Add(wait)
	var upd types.OrderUpdate
	for {
		var err error
		upd, err = r.gw.OrderStatus(ctx, handle)
		if err != nil {
			return upd, &types.TransientError{Op: "order status", Err: err}
		}
		if upd.State.Terminal() || upd.FilledQty.GreaterThanOrEqual(qty) {
			return upd, nil
		}
		if time.Now().After(deadline) {
			return upd, nil
		}
		select {
		case <-ctx.Done():
			return upd, ctx.Err()
		case <-time.After(r.cfg.FillPollInterval):
		}
	}
}

// cancelAndConfirm kills an order and polls until it reaches a terminal
// state. An unresolved order is never left on the book.
func (r *Router) cancelAndConfirm(ctx context.Context, handle types.OrderHandle) (types.OrderUpdate, error) {
	if _, err := r.gw.CancelOrder(ctx, handle); err != nil {
		var transient *types.TransientError
		if !errors.As(err, &transient) {
			return types.OrderUpdate{}, err
		}
		if _, err = r.gw.CancelOrder(ctx, handle); err != nil {
			return types.OrderUpdate{}, err
		}
	}

	var upd types.OrderUpdate
	var err error
	for i := 0; i < 20; i++ {
		upd, err = r.gw.OrderStatus(ctx, handle)
		if err != nil {
			return upd, &types.TransientError{Op: "cancel confirm", Err: err}
		}
		if upd.State.Terminal() {
			return upd, nil
		}
		select {
		case <-ctx.Done():
			return upd, ctx.Err()
		case <-time.After(r.cfg.FillPollInterval):
		}
	}
	return upd, fmt.Errorf("order %s never reached a terminal state after cancel", handle.OrderID)
}

// ═══════════════════════════════════════════════════════════════════════════════
// LATCH & HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (r *Router) acquire(ticker string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inflight[ticker]; exists {
		return types.ErrOrderOutstanding
	}
	r.inflight[ticker] = &inflightOrder{}
	return nil
}

func (r *Router) release(ticker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, ticker)
}

func (r *Router) setHandle(ticker string, h types.OrderHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.inflight[ticker]; ok {
		entry.handle = h
	}
}

func (r *Router) isAborted(ticker string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.inflight[ticker]
	return ok && entry.aborted
}

func (r *Router) queryBook(ctx context.Context, ticker string) (types.BookTop, error) {
	book, err := r.gw.QueryBookTop(ctx, ticker)
	if err != nil {
		return types.BookTop{}, &types.TransientError{Op: "query book " + ticker, Err: err}
	}
	if !book.Ask.GreaterThan(book.Bid) || !book.Bid.IsPositive() {
		return types.BookTop{}, &types.TransientError{Op: "query book " + ticker, Err: fmt.Errorf("degenerate book bid=%s ask=%s", book.Bid, book.Ask)}
	}
	return book, nil
}

// fillFromUpdate converts a final order update into a FillResult
func fillFromUpdate(upd types.OrderUpdate, tier string) types.FillResult {
	return types.FillResult{
		FilledQty: upd.FilledQty,
		AvgPrice:  upd.AvgPrice,
		FeeBps:    upd.FeeBps,
		Strategy:  tier,
	}
}

// mergeFills combines two partial executions into one result with a
// quantity-weighted average price and fee
func mergeFills(a, b types.FillResult) types.FillResult {
	total := a.FilledQty.Add(b.FilledQty)
	if !total.IsPositive() {
		out := a
		if b.Strategy != "" {
			out.Strategy = b.Strategy
		}
		return out
	}
	weighted := func(x, y types.FillResult, pick func(types.FillResult) decimal.Decimal) decimal.Decimal {
		return pick(x).Mul(x.FilledQty).Add(pick(y).Mul(y.FilledQty)).Div(total)
	}
	strategy := a.Strategy
	if b.FilledQty.IsPositive() && b.Strategy != "" {
		strategy = b.Strategy
	}
	return types.FillResult{
		FilledQty: total,
		AvgPrice:  weighted(a, b, func(f types.FillResult) decimal.Decimal { return f.AvgPrice }),
		FeeBps:    weighted(a, b, func(f types.FillResult) decimal.Decimal { return f.FeeBps }),
		Strategy:  strategy,
		Latency:   a.Latency + b.Latency,
	}
}
