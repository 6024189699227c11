package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE GATEWAY - The narrow venue contract the engine consumes
// ═══════════════════════════════════════════════════════════════════════════════

// ExchangeGateway is everything the execution core is allowed to ask of a
// venue. Implementations own transport, auth and wire formats; callers own
// order lifecycle and position truth.
type ExchangeGateway interface {
	// SubmitOrder places an order. A zero price means the venue prices the
	// order at submission (guaranteed-fill market style).
	SubmitOrder(ctx context.Context, req types.OrderRequest) (types.OrderHandle, error)

	// CancelOrder kills a live order. Returns false when there was nothing
	// left to cancel (already terminal).
	CancelOrder(ctx context.Context, h types.OrderHandle) (bool, error)

	// QueryPosition is the authoritative signed position for a ticker.
	QueryPosition(ctx context.Context, ticker string) (decimal.Decimal, error)

	// QueryBookTop returns the current touch and visible depth.
	QueryBookTop(ctx context.Context, ticker string) (types.BookTop, error)

	// OrderStatus polls fill progress for a live order.
	OrderStatus(ctx context.Context, h types.OrderHandle) (types.OrderUpdate, error)

	// ConnectionHealth reports transport state for the health watcher.
	ConnectionHealth() types.HealthStatus
}

// MarkSource provides external mark prices keyed by stream symbol.
// The feeds package implements this; the paper venue consumes it.
type MarkSource interface {
	Mark(symbol string) (decimal.Decimal, bool)
}
