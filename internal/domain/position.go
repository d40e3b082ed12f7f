package domain

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// AccountingMode selects how a PositionAccount interprets trade sizes.
type AccountingMode int

const (
	// BaseDenominated sizes are in base currency; PnL accrues in quote.
	BaseDenominated AccountingMode = iota
	// QuoteDenominated ("inverse") sizes are in quote currency; the average
	// price is blended in reciprocal space and PnL is valued in quote at the
	// trade price.
	QuoteDenominated
)

// flatAverage is the average price used while the position is exactly zero.
// It keeps the reciprocal-space math free of division by zero and makes a
// flat account detectable.
var flatAverage = decimal.NewFromInt(1)

// PositionAccount accumulates a weighted-average-cost position with realized
// and unrealized PnL for one (symbol, strategy-slice) pair.
//
// All arithmetic is exact decimal; floating-point summation error must never
// leak into position truth under repeated partial fills and sign flips.
type PositionAccount struct {
	mu   sync.Mutex
	mode AccountingMode

	position   decimal.Decimal
	avgPrice   decimal.Decimal
	realized   decimal.Decimal
	unrealized decimal.Decimal
	fees       decimal.Decimal
	updatedAt  time.Time
}

// NewPositionAccount creates a flat account in the given accounting mode.
func NewPositionAccount(mode AccountingMode) *PositionAccount {
	return &PositionAccount{
		mode:     mode,
		avgPrice: flatAverage,
	}
}

// Update applies a signed trade to the account. Size is positive for buys
// and negative for sells. Fee is subtracted from realized PnL and tracked
// separately.
//
// Average-price rules:
//   - extending the position blends avg with the trade price, size-weighted
//     (reciprocal-space blend in QuoteDenominated mode);
//   - partially reducing keeps the previous average;
//   - flipping sign takes the trade price as the new average;
//   - returning to exactly zero resets the average to 1.
func (a *PositionAccount) Update(price, size, fee decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pos0, avg0 := a.position, a.avgPrice
	pos := pos0.Add(size)

	var avg1 decimal.Decimal
	switch {
	case pos0.IsZero():
		avg1 = price
	case pos0.Sign() == size.Sign() || size.IsZero():
		if a.mode == QuoteDenominated {
			// Blend on the reciprocal: quantity-in-base for a quote-sized
			// position is pos/avg.
			q := pos0.Div(avg0).Add(size.Div(price))
			avg1 = pos.Div(q)
		} else {
			avg1 = avg0.Mul(pos0).Add(price.Mul(size)).Div(pos)
		}
	case pos.Sign() == pos0.Sign():
		avg1 = avg0 // partial reduce, average unchanged
	default:
		avg1 = price // flipped (or flattened; avg1 unused at zero)
	}

	var delta decimal.Decimal
	if a.mode == QuoteDenominated {
		// Realized base-currency profit valued in quote at the trade price.
		q := pos0.Div(avg0).Add(size.Div(price))
		if !pos.IsZero() {
			q = q.Sub(pos.Div(avg1))
		}
		delta = q.Mul(price)
	} else {
		delta = avg1.Mul(pos).Sub(avg0.Mul(pos0)).Sub(price.Mul(size))
	}

	a.position = pos
	if pos.IsZero() {
		a.avgPrice = flatAverage
	} else {
		a.avgPrice = avg1
	}
	a.realized = a.realized.Add(delta).Sub(fee)
	a.fees = a.fees.Add(fee)
	a.updatedAt = time.Now()
	a.markLocked(price)
}

// UpdateUnrealized recomputes mark-to-market PnL from the current average and
// position. It never touches realized PnL and may be called on every fresh
// mark price, with or without a trade.
func (a *PositionAccount) UpdateUnrealized(price decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markLocked(price)
}

func (a *PositionAccount) markLocked(price decimal.Decimal) {
	if a.position.IsZero() {
		a.unrealized = decimal.Zero
		return
	}
	if a.mode == QuoteDenominated {
		// (pos/avg - pos/price) base units, valued at price.
		a.unrealized = a.position.Div(a.avgPrice).Sub(a.position.Div(price)).Mul(price)
		return
	}
	a.unrealized = price.Sub(a.avgPrice).Mul(a.position)
}

// Position returns the signed position size.
func (a *PositionAccount) Position() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// AveragePrice returns the weighted average entry price (1 while flat).
func (a *PositionAccount) AveragePrice() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.avgPrice
}

// RealizedPnL returns cumulative realized PnL net of fees.
func (a *PositionAccount) RealizedPnL() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realized
}

// UnrealizedPnL returns the last mark-to-market PnL.
func (a *PositionAccount) UnrealizedPnL() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unrealized
}

// Fees returns the cumulative fee total.
func (a *PositionAccount) Fees() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fees
}

// UpdatedAt returns the time of the last trade applied to the account.
func (a *PositionAccount) UpdatedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updatedAt
}
