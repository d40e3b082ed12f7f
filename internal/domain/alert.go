package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DriftAlert records a confirmed discrepancy between the locally tracked
// aggregate position and the venue's authoritative position. Drift is not an
// error: it is a first-class condition handled by the reconciliation loop,
// and this record is what gets surfaced to log sinks before correction runs.
type DriftAlert struct {
	Symbol      string          `json:"symbol"`
	Local       decimal.Decimal `json:"local"`
	Venue       decimal.Decimal `json:"venue"`
	Diff        decimal.Decimal `json:"diff"` // local minus venue
	FirstSeen   time.Time       `json:"first_seen"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

// NewDriftAlert builds an alert for a diff observed identically on two
// consecutive checks.
func NewDriftAlert(symbol string, local, venue decimal.Decimal, firstSeen time.Time) *DriftAlert {
	return &DriftAlert{
		Symbol:      symbol,
		Local:       local,
		Venue:       venue,
		Diff:        local.Sub(venue),
		FirstSeen:   firstSeen,
		ConfirmedAt: time.Now(),
	}
}

// IsActionable reports whether the drift is large enough to correct given the
// venue's minimum lot size. Anything below the minimum lot cannot be traded
// away and is only reported.
func (a *DriftAlert) IsActionable(minLot decimal.Decimal) bool {
	return a.Diff.Abs().GreaterThanOrEqual(minLot)
}
