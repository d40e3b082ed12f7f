package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// CreateRequest carries the placement arguments for a new venue order.
type CreateRequest struct {
	Symbol string
	Type   string
	Side   string
	Amount decimal.Decimal
	Price  decimal.Decimal // required for limit, zero for market
	Params map[string]any
	Group  string // owning order group, stamped onto the order at creation
}

// OpenOrder is one entry of a venue's open-order listing.
type OpenOrder struct {
	ID     string
	Symbol string
}

// EditResult reports the venue-confirmed values after an amend.
type EditResult struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// VenueClient is the small operation set the core consumes from a per-venue
// adapter. The paper-mode simulator implements the same contract so the
// lifecycle manager runs unchanged against either.
type VenueClient interface {
	// CreateOrder submits a new order and blocks until the venue accepts it
	// (returning its id) or ctx expires.
	CreateOrder(ctx context.Context, req CreateRequest) (string, error)

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, id, symbol string) error

	// EditOrder amends price and/or amount of an open order. Nil pointers
	// leave the corresponding field unchanged.
	EditOrder(ctx context.Context, id, symbol string, amount, price *decimal.Decimal) (EditResult, error)

	// FetchOpenOrders returns the venue's authoritative open-order list for
	// a symbol.
	FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// FetchPosition returns the venue's authoritative signed position.
	FetchPosition(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// EventSink receives the venue's order-event stream. The lifecycle manager's
// HandleOrderEvent satisfies this.
type EventSink func(OrderEvent)
