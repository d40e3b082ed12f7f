package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order side and type constants. String-valued so they read cleanly in logs
// and journal rows.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"
)

// Order lifecycle states. An order starts in WAIT_OPEN when the create call
// is dispatched, moves to OPEN when the venue accepts it, and ends in CLOSED
// (fully filled) or CANCELED (rejected, expired or canceled). WAIT_CANCEL is
// a transient state entered optimistically on a cancel request; a failed
// cancel reverts it to whatever state the order held before.
const (
	StateWaitOpen   = "WAIT_OPEN"
	StateOpen       = "OPEN"
	StateClosed     = "CLOSED"
	StateCanceled   = "CANCELED"
	StateWaitCancel = "WAIT_CANCEL"
)

// Order is the locally owned view of a single venue order.
//
// Orders are mutated only by the lifecycle manager that owns them; everything
// else treats them as read-only. Filled never exceeds Amount while Editing is
// false; a violation is logged by the manager, never silently clamped.
type Order struct {
	// Placement info.
	Symbol string
	Type   string // OrderTypeLimit or OrderTypeMarket
	Side   string // SideBuy or SideSell
	Amount decimal.Decimal
	Price  decimal.Decimal // zero for market orders
	Params map[string]any  // free-form venue params

	// Management info.
	ID        string // venue-assigned, set exactly once
	Filled    decimal.Decimal
	State     string
	StateTS   time.Time // last state change
	TradeTS   time.Time // last execution
	OpenTS    time.Time
	CloseTS   time.Time
	Editing   bool // an amend is in flight; suppresses close-on-fill
	External  bool // discovered via event, not created by this manager
	GroupName string

	// EventCB receives every event applied to this order, after the order's
	// own state has been updated. The callback is handed a point-in-time
	// copy of the order, not the live one; use the manager to act on it.
	EventCB func(*Order, OrderEvent)
}

// IsOpen reports whether the order still rests on the venue (or is about to).
func (o *Order) IsOpen() bool {
	switch o.State {
	case StateWaitOpen, StateOpen, StateWaitCancel:
		return true
	}
	return false
}

// IsClosed reports whether the order reached a terminal state.
func (o *Order) IsClosed() bool {
	return o.State == StateClosed || o.State == StateCanceled
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// OrderEvent kinds, mirroring what venues actually report.
const (
	EventExecution    = "EXECUTION"
	EventOpen         = "OPEN"
	EventCancel       = "CANCEL"
	EventOpenFailed   = "OPEN_FAILED"
	EventCancelFailed = "CANCEL_FAILED"
	EventClose        = "CLOSE"
	EventError        = "ERROR"
)

// OrderEvent is a single state-changing occurrence reported about an order.
// Events are delivered at least once and may arrive before the order they
// reference is registered locally.
type OrderEvent struct {
	ID   string
	TS   time.Time
	Kind string

	// Execution fields. Size is signed: positive for a buy execution,
	// negative for a sell.
	Price decimal.Decimal
	Size  decimal.Decimal
	Fee   decimal.Decimal

	Message string
	Info    any // opaque venue-specific payload

	// Placement info for events about orders this process never created.
	// Venue adapters populate these when available so an unmatched event can
	// be resolved into an external order instead of being dropped.
	Symbol string
	Side   string
	Type   string
	Amount decimal.Decimal
}

// HasPlacementInfo reports whether the event carries enough information to
// synthesize an external order record.
func (e *OrderEvent) HasPlacementInfo() bool {
	return e.Symbol != "" && e.Side != ""
}
