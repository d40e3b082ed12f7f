package sim

import (
	"github.com/shopspring/decimal"

	"trade_go/internal/domain"
)

// FeeResult splits a fill's fee by where it lands: PnL is invoiced in quote
// currency and charged against realized pnl; FromBalance is deducted from
// the traded asset itself, shrinking the position the fill delivered.
type FeeResult struct {
	PnL         decimal.Decimal
	FromBalance decimal.Decimal
	Info        string
}

// FeeFunc computes the fee for one fill. Venues differ in whether fees are
// invoiced in quote currency or taken out of the traded asset, so the
// simulator takes this as a strategy.
type FeeFunc func(symbol, side string, price, qty, rate decimal.Decimal) FeeResult

// QuoteFee invoices the fee in quote currency: price × qty × rate.
func QuoteFee(_, _ string, price, qty, rate decimal.Decimal) FeeResult {
	return FeeResult{PnL: price.Mul(qty).Mul(rate), Info: "quote"}
}

// BaseDeductFee models venues that take the fee out of the purchased asset
// on buys (qty × rate in base units); sells are invoiced in quote currency.
func BaseDeductFee(_, side string, price, qty, rate decimal.Decimal) FeeResult {
	if side == domain.SideBuy {
		fromBalance := qty.Mul(rate)
		return FeeResult{
			PnL:         fromBalance.Mul(price),
			FromBalance: fromBalance,
			Info:        "base_deduct",
		}
	}
	return FeeResult{PnL: price.Mul(qty).Mul(rate), Info: "quote"}
}
