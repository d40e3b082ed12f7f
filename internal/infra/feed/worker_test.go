package feed

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade_go/internal/marketdata"
)

func newTestWorker() (*Worker, *marketdata.Hub) {
	hub := marketdata.NewHub()
	w := NewWorker(Config{URL: "ws://unused", Symbols: []string{"BTC_JPY"}}, hub, slog.Default())
	return w, hub
}

func TestHandleTradeMessage(t *testing.T) {
	w, hub := newTestWorker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)

	got := make(chan marketdata.Trade, 1)
	hub.AddTradeCallback(func(symbol string, tr marketdata.Trade) {
		if symbol == "BTC_JPY" {
			got <- tr
		}
	})

	w.handleMessage([]byte(`{"type":"trade","symbol":"BTC_JPY","price":"100.5","size":"-0.25","timestamp":1700000000000}`))

	select {
	case tr := <-got:
		if !tr.Price.Equal(decimal.RequireFromString("100.5")) {
			t.Errorf("price = %s, want 100.5", tr.Price)
		}
		if !tr.Size.Equal(decimal.RequireFromString("-0.25")) {
			t.Errorf("size = %s, want -0.25", tr.Size)
		}
	case <-time.After(time.Second):
		t.Fatal("trade not delivered")
	}

	if ltp, ok := hub.LTP("BTC_JPY"); !ok || !ltp.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("ltp = %s (%v), want 100.5", ltp, ok)
	}
}

func TestHandleDepthMessage(t *testing.T) {
	w, hub := newTestWorker()

	w.handleMessage([]byte(`{"type":"depth","symbol":"BTC_JPY","timestamp":0,` +
		`"bids":[["99","1"],["98","2"]],"asks":[["101","0.5"]]}`))

	book := hub.Book("BTC_JPY")
	bid, ok := book.BestBid()
	if !ok || !bid.Price.Equal(decimal.RequireFromString("99")) {
		t.Errorf("best bid = %v (%v), want 99", bid, ok)
	}
	ask, ok := book.BestAsk()
	if !ok || !ask.Size.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("best ask = %v (%v), want size 0.5", ask, ok)
	}

	// Zero size removes the level.
	w.handleMessage([]byte(`{"type":"depth","symbol":"BTC_JPY","timestamp":0,"bids":[["99","0"]]}`))
	bid, _ = book.BestBid()
	if !bid.Price.Equal(decimal.RequireFromString("98")) {
		t.Errorf("best bid after removal = %s, want 98", bid.Price)
	}
}

func TestHandleSnapshotMessage(t *testing.T) {
	w, hub := newTestWorker()
	book := hub.Book("BTC_JPY")
	book.SetBid(decimal.RequireFromString("50"), decimal.RequireFromString("9"))

	w.handleMessage([]byte(`{"type":"snapshot","symbol":"BTC_JPY","timestamp":0,` +
		`"bids":[["99","1"]],"asks":[["101","1"],["102","3"]]}`))

	if got := len(book.Bids()); got != 1 {
		t.Errorf("bids = %d, want 1 (snapshot replaces)", got)
	}
	if got := len(book.Asks()); got != 2 {
		t.Errorf("asks = %d, want 2", got)
	}
}

func TestMalformedMessagesIgnored(t *testing.T) {
	w, hub := newTestWorker()

	w.handleMessage([]byte(`not json`))
	w.handleMessage([]byte(`{"type":"trade","price":"100","size":"1"}`))          // no symbol
	w.handleMessage([]byte(`{"type":"trade","symbol":"BTC_JPY","size":"1"}`))     // no price
	w.handleMessage([]byte(`{"type":"trade","symbol":"BTC_JPY","price":"100"}`))  // no size
	w.handleMessage([]byte(`{"type":"mystery","symbol":"BTC_JPY","price":"100"}`))

	if _, ok := hub.LTP("BTC_JPY"); ok {
		t.Error("malformed messages produced an LTP")
	}
}

func TestBackoffCapped(t *testing.T) {
	if backoff(0) != baseDelay {
		t.Errorf("backoff(0) = %v, want %v", backoff(0), baseDelay)
	}
	if backoff(1) != 2*baseDelay {
		t.Errorf("backoff(1) = %v, want %v", backoff(1), 2*baseDelay)
	}
	for i := 6; i < 70; i++ {
		if d := backoff(i); d > maxDelay || d <= 0 {
			t.Fatalf("backoff(%d) = %v out of range", i, d)
		}
	}
}
