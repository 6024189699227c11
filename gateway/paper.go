package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER VENUE - Simulated exchange for paper mode and tests
// ═══════════════════════════════════════════════════════════════════════════════
//
// Books are synthesized around a mark price (static, or live via MarkSource).
// Fills are evaluated lazily on status polls, so behavior is deterministic
// under test. Position reads honor a configurable propagation lag, matching
// how real venues report flat for a moment after a fill.
//
// ═══════════════════════════════════════════════════════════════════════════════

// FillMode controls how the venue treats orders for one ticker
type FillMode int

const (
	FillCrossing FillMode = iota // fill iff the price crosses the opposite touch
	FillAlways                   // fill any order at its price
	FillNever                    // rest open until cancelled
	FillReject                   // reject at submission
	FillPartial                  // fill PartialRatio of qty, then rest
)

// TickerConfig tunes simulation behavior per ticker
type TickerConfig struct {
	Mode         FillMode
	FillDelay    time.Duration   // crossing fills mature this long after submit
	PartialRatio decimal.Decimal // for FillPartial
	SpreadTicks  int64           // half-spread in ticks, min 1
	DepthQty     decimal.Decimal // displayed qty per level
	DepthLevels  int
}

// PaperConfig tunes the venue as a whole
type PaperConfig struct {
	OrderRPS    float64       // rate limit on mutating calls
	OrderBurst  int
	PositionLag time.Duration // fills become visible to QueryPosition after this
}

// DefaultPaperConfig returns sensible defaults
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		OrderRPS:    10,
		OrderBurst:  5,
		PositionLag: 0,
	}
}

type paperOrder struct {
	req       types.OrderRequest
	handle    types.OrderHandle
	state     types.OrderState
	filledQty decimal.Decimal
	avgPrice  decimal.Decimal
	feeBps    decimal.Decimal
	crossed   bool // priced through the opposite touch at submit
	placedAt  time.Time
}

type pendingFill struct {
	delta     decimal.Decimal
	visibleAt time.Time
}

// PaperVenue implements ExchangeGateway against synthetic books
type PaperVenue struct {
	mu          sync.RWMutex
	cfg         PaperConfig
	instruments map[string]types.Instrument
	tickerCfg   map[string]TickerConfig
	marks       map[string]decimal.Decimal
	orders      map[string]*paperOrder
	fills       map[string][]pendingFill // ticker -> fills awaiting visibility
	positions   map[string]decimal.Decimal

	markSource MarkSource // optional, overrides static marks
	limiter    *rate.Limiter

	healthy  bool
	fallback bool

	failSubmits int // next N submissions fail transiently
}

// NewPaperVenue creates a venue for the given instruments
func NewPaperVenue(instruments map[string]types.Instrument, cfg PaperConfig) *PaperVenue {
	v := &PaperVenue{
		cfg:         cfg,
		instruments: instruments,
		tickerCfg:   make(map[string]TickerConfig),
		marks:       make(map[string]decimal.Decimal),
		orders:      make(map[string]*paperOrder),
		fills:       make(map[string][]pendingFill),
		positions:   make(map[string]decimal.Decimal),
		limiter:     rate.NewLimiter(rate.Limit(cfg.OrderRPS), cfg.OrderBurst),
		healthy:     true,
	}
	for ticker := range instruments {
		v.tickerCfg[ticker] = TickerConfig{
			Mode:        FillCrossing,
			SpreadTicks: 1,
			DepthQty:    decimal.NewFromInt(1000),
			DepthLevels: 5,
		}
	}
	log.Info().Int("instruments", len(instruments)).Msg("📋 Paper venue ready")
	return v
}

// AttachMarkSource wires a live feed in front of static marks
func (v *PaperVenue) AttachMarkSource(ms MarkSource) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.markSource = ms
}

// SetMark sets the static mark price for a ticker
func (v *PaperVenue) SetMark(ticker string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[ticker] = price
}

// Configure overrides simulation behavior for one ticker
func (v *PaperVenue) Configure(ticker string, cfg TickerConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cfg.SpreadTicks < 1 {
		cfg.SpreadTicks = 1
	}
	if cfg.DepthLevels == 0 {
		cfg.DepthLevels = 5
	}
	if cfg.DepthQty.IsZero() {
		cfg.DepthQty = decimal.NewFromInt(1000)
	}
	v.tickerCfg[ticker] = cfg
}

// SeedPosition pre-loads a signed position (restart and recovery tests)
func (v *PaperVenue) SeedPosition(ticker string, qty decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[ticker] = qty
}

// SetHealth flips reported connectivity
func (v *PaperVenue) SetHealth(primary, fallback bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.healthy = primary
	v.fallback = fallback
}

// FailNextSubmits makes the next n submissions fail transiently
func (v *PaperVenue) FailNextSubmits(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failSubmits = n
}

func (v *PaperVenue) mark(ticker string) (decimal.Decimal, error) {
	if v.markSource != nil {
		if inst, ok := v.instruments[ticker]; ok && inst.StreamSymbol != "" {
			if m, ok := v.markSource.Mark(inst.StreamSymbol); ok {
				return m, nil
			}
		}
	}
	if m, ok := v.marks[ticker]; ok && m.IsPositive() {
		return m, nil
	}
	return decimal.Zero, fmt.Errorf("no mark price for %s", ticker)
}

// book builds the synthetic book around the mark. Callers hold v.mu.
func (v *PaperVenue) book(ticker string) (types.BookTop, error) {
	inst, ok := v.instruments[ticker]
	if !ok {
		return types.BookTop{}, fmt.Errorf("unknown ticker %s", ticker)
	}
	m, err := v.mark(ticker)
	if err != nil {
		return types.BookTop{}, err
	}
	cfg := v.tickerCfg[ticker]

	tick := inst.TickSize
	half := tick.Mul(decimal.NewFromInt(cfg.SpreadTicks))
	bid := m.Sub(half).Div(tick).Floor().Mul(tick)
	ask := m.Add(half).Div(tick).Ceil().Mul(tick)
	if !ask.GreaterThan(bid) {
		ask = bid.Add(tick)
	}

	top := types.BookTop{
		Ticker:   ticker,
		Bid:      bid,
		BidQty:   cfg.DepthQty,
		Ask:      ask,
		AskQty:   cfg.DepthQty,
		TickSize: tick,
		AsOf:     time.Now(),
	}
	for i := 1; i <= cfg.DepthLevels; i++ {
		step := tick.Mul(decimal.NewFromInt(int64(i)))
		top.Bids = append(top.Bids, types.BookLevel{Price: bid.Sub(step), Qty: cfg.DepthQty})
		top.Asks = append(top.Asks, types.BookLevel{Price: ask.Add(step), Qty: cfg.DepthQty})
	}
	return top, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE GATEWAY IMPLEMENTATION
// ═══════════════════════════════════════════════════════════════════════════════

// SubmitOrder places an order against the synthetic book
func (v *PaperVenue) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.OrderHandle, error) {
	if err := req.Validate(); err != nil {
		return types.OrderHandle{}, err
	}
	if err := v.limiter.Wait(ctx); err != nil {
		return types.OrderHandle{}, &types.TransientError{Op: "submit", Err: err}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failSubmits > 0 {
		v.failSubmits--
		return types.OrderHandle{}, &types.TransientError{Op: "submit", Err: fmt.Errorf("simulated venue hiccup")}
	}

	cfg := v.tickerCfg[req.Ticker]
	if cfg.Mode == FillReject {
		return types.OrderHandle{}, &types.OrderRejectedError{Ticker: req.Ticker, Reason: "venue rejecting orders"}
	}

	top, err := v.book(req.Ticker)
	if err != nil {
		return types.OrderHandle{}, &types.TransientError{Op: "submit", Err: err}
	}

	price := req.Price
	if price.IsZero() {
		price = top.Cross(req.Side)
	}
	crossed := false
	if req.Side == types.SideBuy {
		crossed = price.GreaterThanOrEqual(top.Ask)
	} else {
		crossed = price.LessThanOrEqual(top.Bid)
	}

	h := types.OrderHandle{
		OrderID:  uuid.NewString(),
		ClientID: req.ClientID,
		Ticker:   req.Ticker,
	}
	v.orders[h.OrderID] = &paperOrder{
		req:      req,
		handle:   h,
		state:    types.OrderStateOpen,
		avgPrice: price,
		crossed:  crossed,
		placedAt: time.Now(),
	}
	return h, nil
}

// advance moves an order forward based on its ticker's fill mode.
// Callers hold v.mu.
func (v *PaperVenue) advance(o *paperOrder) {
	if o.state.Terminal() || o.state == types.OrderStatePartial {
		return
	}
	cfg := v.tickerCfg[o.req.Ticker]
	inst := v.instruments[o.req.Ticker]

	matured := time.Since(o.placedAt) >= cfg.FillDelay

	fillAt := func(qty decimal.Decimal, state types.OrderState) {
		o.filledQty = qty
		o.state = state
		if o.crossed {
			o.feeBps = inst.TakerBps
		} else {
			o.feeBps = inst.MakerBps
		}
		delta := qty.Mul(o.req.Side.Sign())
		v.fills[o.req.Ticker] = append(v.fills[o.req.Ticker], pendingFill{
			delta:     delta,
			visibleAt: time.Now().Add(v.cfg.PositionLag),
		})
	}

	switch cfg.Mode {
	case FillAlways:
		if matured {
			fillAt(o.req.Qty, types.OrderStateFilled)
		}
	case FillCrossing:
		if o.crossed && matured {
			fillAt(o.req.Qty, types.OrderStateFilled)
		}
	case FillPartial:
		if o.crossed && matured {
			part := o.req.Qty.Mul(cfg.PartialRatio)
			if inst.LotSize.IsPositive() {
				part = part.Div(inst.LotSize).Floor().Mul(inst.LotSize)
			}
			fillAt(part, types.OrderStatePartial)
		}
	case FillNever:
		// rests until cancelled
	}
}

// OrderStatus polls fill progress
func (v *PaperVenue) OrderStatus(ctx context.Context, h types.OrderHandle) (types.OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderUpdate{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[h.OrderID]
	if !ok {
		return types.OrderUpdate{}, fmt.Errorf("unknown order %s", h.OrderID)
	}
	v.advance(o)
	return types.OrderUpdate{
		State:     o.state,
		FilledQty: o.filledQty,
		AvgPrice:  o.avgPrice,
		FeeBps:    o.feeBps,
	}, nil
}

// CancelOrder kills the unfilled remainder of a live order
func (v *PaperVenue) CancelOrder(ctx context.Context, h types.OrderHandle) (bool, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return false, &types.TransientError{Op: "cancel", Err: err}
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[h.OrderID]
	if !ok {
		return false, fmt.Errorf("unknown order %s", h.OrderID)
	}
	v.advance(o)
	if o.state.Terminal() {
		return false, nil
	}
	o.state = types.OrderStateCancelled
	return true, nil
}

// QueryPosition returns the signed position, honoring propagation lag
func (v *PaperVenue) QueryPosition(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	// Fold matured fills into the base position.
	now := time.Now()
	pending := v.fills[ticker][:0]
	pos := v.positions[ticker]
	for _, f := range v.fills[ticker] {
		if !f.visibleAt.After(now) {
			pos = pos.Add(f.delta)
		} else {
			pending = append(pending, f)
		}
	}
	v.positions[ticker] = pos
	v.fills[ticker] = pending
	return pos, nil
}

// QueryBookTop returns the synthetic book
func (v *PaperVenue) QueryBookTop(ctx context.Context, ticker string) (types.BookTop, error) {
	if err := ctx.Err(); err != nil {
		return types.BookTop{}, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.book(ticker)
}

// ConnectionHealth reports simulated transport state
func (v *PaperVenue) ConnectionHealth() types.HealthStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return types.HealthStatus{PrimaryConnected: v.healthy, FallbackActive: v.fallback}
}
