package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the direction of an order or leg
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing direction for a side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for BUY, -1 for SELL
func (s Side) Sign() decimal.Decimal {
	if s == SideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// Pattern selects which leg buys and which sells when a cycle opens
type Pattern string

const (
	PatternBuyFirst  Pattern = "BUY_FIRST"  // leg A buys, leg B sells
	PatternSellFirst Pattern = "SELL_FIRST" // leg A sells, leg B buys
)

// Phase is the cycle state machine position
type Phase string

const (
	PhaseIdle            Phase = "IDLE"
	PhaseBuildPlacing    Phase = "BUILD_PLACING"
	PhaseBuildVerifying  Phase = "BUILD_VERIFYING"
	PhaseBuildComplete   Phase = "BUILD_COMPLETE"
	PhaseUnwindReady     Phase = "UNWIND_READY"
	PhaseUnwindPlacing   Phase = "UNWIND_PLACING"
	PhaseUnwindVerifying Phase = "UNWIND_VERIFYING"
	PhaseUnwindComplete  Phase = "UNWIND_COMPLETE"
	PhaseError           Phase = "ERROR"
)

// OrderStyle selects the router pricing tier
type OrderStyle string

const (
	StylePassive        OrderStyle = "PASSIVE"         // rest at the touch, wait for a fill
	StyleGuaranteedFill OrderStyle = "GUARANTEED_FILL" // cross the spread, fill now
)

// OrderState represents the lifecycle state of an order
type OrderState string

const (
	OrderStatePending   OrderState = "PENDING"   // Submitted, awaiting ack
	OrderStateOpen      OrderState = "OPEN"      // Acknowledged, in book
	OrderStateFilled    OrderState = "FILLED"    // Fully filled
	OrderStatePartial   OrderState = "PARTIAL"   // Partially filled
	OrderStateCancelled OrderState = "CANCELLED" // Cancelled by user or system
	OrderStateRejected  OrderState = "REJECTED"  // Rejected by exchange
	OrderStateExpired   OrderState = "EXPIRED"   // Timed out
	OrderStateFailed    OrderState = "FAILED"    // Internal failure
)

// Terminal reports whether an order can no longer change
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired, OrderStateFailed:
		return true
	}
	return false
}

// Instrument describes one tradable contract of a pair
type Instrument struct {
	Ticker       string          `yaml:"ticker"`
	StreamSymbol string          `yaml:"stream_symbol"` // feed symbol, e.g. "ethusdt"
	TickSize     decimal.Decimal `yaml:"tick_size"`
	LotSize      decimal.Decimal `yaml:"lot_size"`
	Leverage     decimal.Decimal `yaml:"leverage"`
	MakerBps     decimal.Decimal `yaml:"maker_bps"`
	TakerBps     decimal.Decimal `yaml:"taker_bps"`
	MaxPosition  decimal.Decimal `yaml:"max_position"` // qty cap enforced pre-trade
	SliceAbove   decimal.Decimal `yaml:"slice_above"`  // book-walk threshold, zero disables
	StaticMark   decimal.Decimal `yaml:"static_mark"`  // paper venue seed price before the stream warms
}

// Validate rejects instruments the engine cannot trade
func (i Instrument) Validate() error {
	if i.Ticker == "" {
		return &ConfigError{Field: "ticker", Msg: "must not be empty"}
	}
	if !i.TickSize.IsPositive() {
		return &ConfigError{Field: "tick_size", Msg: "must be positive for " + i.Ticker}
	}
	if !i.LotSize.IsPositive() {
		return &ConfigError{Field: "lot_size", Msg: "must be positive for " + i.Ticker}
	}
	if !i.Leverage.IsPositive() {
		return &ConfigError{Field: "leverage", Msg: "must be positive for " + i.Ticker}
	}
	return nil
}

// Leg is one side of a pair cycle. Created when a BUILD starts, filled in as
// orders execute, discarded when the cycle returns to IDLE.
type Leg struct {
	Ticker         string
	Direction      Side // entry direction; exit is the opposite
	TargetNotional decimal.Decimal
	Qty            decimal.Decimal // lot-aligned, from the balance solver
	TickSize       decimal.Decimal
	LotSize        decimal.Decimal

	EntryPrice    decimal.Decimal
	EntryFeeBps   decimal.Decimal
	EntryStrategy string // router tier that filled the entry
	EntryTime     time.Time

	ExitPrice    decimal.Decimal
	ExitFeeBps   decimal.Decimal
	ExitStrategy string
	ExitTime     time.Time
}

// SignedQty is the position delta this leg's entry produces
func (l *Leg) SignedQty() decimal.Decimal {
	return l.Qty.Mul(l.Direction.Sign())
}

// Notional at a given price
func (l *Leg) Notional(price decimal.Decimal) decimal.Decimal {
	return l.Qty.Mul(price)
}

// RealizedPnL is the signed round-trip profit for this leg, fees deducted
func (l *Leg) RealizedPnL() decimal.Decimal {
	gross := l.ExitPrice.Sub(l.EntryPrice).Mul(l.Qty).Mul(l.Direction.Sign())
	bps := decimal.NewFromInt(10000)
	entryFee := l.EntryPrice.Mul(l.Qty).Mul(l.EntryFeeBps).Div(bps)
	exitFee := l.ExitPrice.Mul(l.Qty).Mul(l.ExitFeeBps).Div(bps)
	return gross.Sub(entryFee).Sub(exitFee)
}

// CycleState is the single source of truth for the cycle in progress.
// Owned exclusively by the controller; everyone else gets copies.
type CycleState struct {
	ID        string
	Pattern   Pattern
	Phase     Phase
	LegA      *Leg
	LegB      *Leg
	StartedAt time.Time
	LastError string
}

// OrderRequest carries every parameter of one order submission.
// Call sites never pass bare price/size arguments.
type OrderRequest struct {
	Ticker         string
	Side           Side
	Qty            decimal.Decimal
	Price          decimal.Decimal // zero means the venue prices at submission
	Style          OrderStyle
	IsolatedMargin decimal.Decimal // margin to pin to this order, zero if cross
	ClientID       string
}

// Validate rejects malformed requests before they reach the venue
func (r OrderRequest) Validate() error {
	if r.Ticker == "" {
		return fmt.Errorf("order request: empty ticker")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("order request: unknown side %q", r.Side)
	}
	if !r.Qty.IsPositive() {
		return fmt.Errorf("order request: qty %s not positive", r.Qty.String())
	}
	if r.Price.IsNegative() {
		return fmt.Errorf("order request: negative price %s", r.Price.String())
	}
	if r.Style != StylePassive && r.Style != StyleGuaranteedFill {
		return fmt.Errorf("order request: unknown style %q", r.Style)
	}
	return nil
}

// OrderHandle identifies a live order at the venue
type OrderHandle struct {
	OrderID  string
	ClientID string
	Ticker   string
}

// OrderUpdate is one fill-status poll result
type OrderUpdate struct {
	State     OrderState
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	FeeBps    decimal.Decimal // venue-reported for the fills so far
}

// FillResult summarizes how a leg order ultimately executed
type FillResult struct {
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	FeeBps    decimal.Decimal
	Strategy  string // tier that produced the fill
	Latency   time.Duration
}

// BookLevel is one displayed price level
type BookLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// BookTop is the current top of book plus visible depth
type BookTop struct {
	Ticker   string
	Bid      decimal.Decimal
	BidQty   decimal.Decimal
	Ask      decimal.Decimal
	AskQty   decimal.Decimal
	TickSize decimal.Decimal
	Bids     []BookLevel // best first, excludes the touch
	Asks     []BookLevel
	AsOf     time.Time
}

// Touch returns the passive price for a side: buys rest at the bid,
// sells rest at the ask. Never a tick behind.
func (b BookTop) Touch(side Side) decimal.Decimal {
	if side == SideBuy {
		return b.Bid
	}
	return b.Ask
}

// Cross returns the aggressive price for a side: buys lift the ask,
// sells hit the bid.
func (b BookTop) Cross(side Side) decimal.Decimal {
	if side == SideBuy {
		return b.Ask
	}
	return b.Bid
}

// PositionSnapshot is the reconciler's two-tier view of one ticker.
// Authoritative comes from the venue; optimistic is the local belief
// updated on fills. Authoritative always wins.
type PositionSnapshot struct {
	Ticker        string
	Authoritative decimal.Decimal
	Optimistic    decimal.Decimal
	ReconciledAt  time.Time
}

// HealthStatus reports gateway connectivity
type HealthStatus struct {
	PrimaryConnected bool
	FallbackActive   bool
}

// RiskVerdict is the pre-trade gate decision
type RiskVerdict struct {
	Allowed bool
	Reason  string
}

// CycleResult is handed to post-trade accounting when a cycle ends
type CycleResult struct {
	CycleID    string
	Pattern    Pattern
	PnL        decimal.Decimal
	Volume     decimal.Decimal // notional traded, both legs both directions
	Fees       decimal.Decimal
	Duration   time.Duration
	Completed  bool // full round trip vs aborted
	FailReason string
}

// RiskMetrics is a read-only snapshot of the governor's state
type RiskMetrics struct {
	RealizedPnL  decimal.Decimal
	DailyPnL     decimal.Decimal
	Volume       decimal.Decimal
	TradeCount   int
	LastCyclePnL decimal.Decimal
	NetDelta     decimal.Decimal
	Halted       bool
	HaltReason   string
}
