package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestPositionAccount_BaseRoundTrip(t *testing.T) {
	a := NewPositionAccount(BaseDenominated)

	a.Update(d("100"), d("1"), decimal.Zero)
	if !a.Position().Equal(d("1")) {
		t.Fatalf("position = %s, want 1", a.Position())
	}
	if !a.AveragePrice().Equal(d("100")) {
		t.Errorf("avg = %s, want 100", a.AveragePrice())
	}
	if !a.RealizedPnL().IsZero() {
		t.Errorf("realized = %s, want 0 after opening", a.RealizedPnL())
	}

	a.Update(d("110"), d("-1"), decimal.Zero)
	if !a.Position().IsZero() {
		t.Fatalf("position = %s, want 0", a.Position())
	}
	if !a.RealizedPnL().Equal(d("10")) {
		t.Errorf("realized = %s, want 10", a.RealizedPnL())
	}
	if !a.AveragePrice().Equal(d("1")) {
		t.Errorf("avg = %s, want reset to 1 when flat", a.AveragePrice())
	}
}

func TestPositionAccount_BlendsAverageOnExtend(t *testing.T) {
	a := NewPositionAccount(BaseDenominated)

	a.Update(d("100"), d("1"), decimal.Zero)
	a.Update(d("200"), d("1"), decimal.Zero)

	if !a.AveragePrice().Equal(d("150")) {
		t.Errorf("avg = %s, want 150", a.AveragePrice())
	}
	if !a.RealizedPnL().IsZero() {
		t.Errorf("realized = %s, want 0 while only extending", a.RealizedPnL())
	}
}

func TestPositionAccount_PartialReduceKeepsAverage(t *testing.T) {
	a := NewPositionAccount(BaseDenominated)

	a.Update(d("100"), d("2"), decimal.Zero)
	a.Update(d("120"), d("-1"), decimal.Zero)

	if !a.AveragePrice().Equal(d("100")) {
		t.Errorf("avg = %s, want unchanged 100", a.AveragePrice())
	}
	if !a.RealizedPnL().Equal(d("20")) {
		t.Errorf("realized = %s, want 20", a.RealizedPnL())
	}
	if !a.Position().Equal(d("1")) {
		t.Errorf("position = %s, want 1", a.Position())
	}
}

func TestPositionAccount_FlipTakesTradePrice(t *testing.T) {
	a := NewPositionAccount(BaseDenominated)

	a.Update(d("100"), d("1"), decimal.Zero)
	a.Update(d("110"), d("-2"), decimal.Zero)

	if !a.Position().Equal(d("-1")) {
		t.Fatalf("position = %s, want -1", a.Position())
	}
	if !a.AveragePrice().Equal(d("110")) {
		t.Errorf("avg = %s, want 110 after flip", a.AveragePrice())
	}
	if !a.RealizedPnL().Equal(d("10")) {
		t.Errorf("realized = %s, want 10 for the closed lot only", a.RealizedPnL())
	}
}

func TestPositionAccount_LosingFlatten(t *testing.T) {
	a := NewPositionAccount(BaseDenominated)

	a.Update(d("100"), d("1"), decimal.Zero)
	a.Update(d("100"), d("1"), decimal.Zero)
	a.Update(d("95"), d("-2"), decimal.Zero)

	if !a.Position().IsZero() {
		t.Fatalf("position = %s, want 0", a.Position())
	}
	if !a.RealizedPnL().Equal(d("-10")) {
		t.Errorf("realized = %s, want -10", a.RealizedPnL())
	}
}

func TestPositionAccount_FeesReduceRealized(t *testing.T) {
	a := NewPositionAccount(BaseDenominated)

	a.Update(d("100"), d("1"), d("0.5"))
	a.Update(d("110"), d("-1"), d("0.5"))

	if !a.RealizedPnL().Equal(d("9")) {
		t.Errorf("realized = %s, want 9 net of fees", a.RealizedPnL())
	}
	if !a.Fees().Equal(d("1")) {
		t.Errorf("fees = %s, want 1", a.Fees())
	}
}

func TestPositionAccount_Unrealized(t *testing.T) {
	a := NewPositionAccount(BaseDenominated)

	a.Update(d("100"), d("2"), decimal.Zero)
	a.UpdateUnrealized(d("105"))
	if !a.UnrealizedPnL().Equal(d("10")) {
		t.Errorf("unrealized = %s, want 10", a.UnrealizedPnL())
	}

	a.Update(d("105"), d("-2"), decimal.Zero)
	a.UpdateUnrealized(d("200"))
	if !a.UnrealizedPnL().IsZero() {
		t.Errorf("unrealized = %s, want 0 while flat", a.UnrealizedPnL())
	}
}

func TestPositionAccount_QuoteDenominated(t *testing.T) {
	a := NewPositionAccount(QuoteDenominated)

	// 10000 quote units bought at 10000, closed at 12000. The base quantity
	// is 1 at entry and 10000/12000 at exit; the freed sixth of base unit is
	// worth 2000 quote at the exit price.
	a.Update(d("10000"), d("10000"), decimal.Zero)
	if !a.AveragePrice().Equal(d("10000")) {
		t.Fatalf("avg = %s, want 10000", a.AveragePrice())
	}

	a.Update(d("12000"), d("-10000"), decimal.Zero)
	if !a.Position().IsZero() {
		t.Fatalf("position = %s, want 0", a.Position())
	}
	if !a.RealizedPnL().Equal(d("2000")) {
		t.Errorf("realized = %s, want 2000", a.RealizedPnL())
	}
}

func TestPositionAccount_QuoteReciprocalBlend(t *testing.T) {
	a := NewPositionAccount(QuoteDenominated)

	// 10000 quote at 10000 plus 10000 quote at 20000 is 1.5 base units for
	// 20000 quote, a harmonic average entry of 13333.33...
	a.Update(d("10000"), d("10000"), decimal.Zero)
	a.Update(d("20000"), d("10000"), decimal.Zero)

	want := d("20000").Div(d("1.5"))
	if diff := a.AveragePrice().Sub(want).Abs(); diff.GreaterThan(d("0.0001")) {
		t.Errorf("avg = %s, want %s", a.AveragePrice(), want)
	}
}

func TestPositionAccount_QuoteUnrealized(t *testing.T) {
	a := NewPositionAccount(QuoteDenominated)

	a.Update(d("10000"), d("10000"), decimal.Zero)
	a.UpdateUnrealized(d("12500"))

	// 1 base held, worth 10000/12500 = 0.8 base at the mark. The 0.2 base
	// surplus valued at 12500 is 2500 quote.
	if !a.UnrealizedPnL().Equal(d("2500")) {
		t.Errorf("unrealized = %s, want 2500", a.UnrealizedPnL())
	}
}
