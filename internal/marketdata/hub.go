package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one tick from the market-data feed. Size is signed: positive when
// the buyer was the aggressor, negative when the seller was.
type Trade struct {
	TS    time.Time
	Price decimal.Decimal
	Size  decimal.Decimal
}

// TradeFunc receives trade ticks for subscribed symbols.
type TradeFunc func(symbol string, t Trade)

type symbolTrade struct {
	symbol string
	trade  Trade
}

// Hub fans market data out to consumers: it tracks the last traded price per
// symbol, owns the per-symbol order books, and delivers trade ticks to
// subscribers. Feed workers publish into the hub's channel; consumers either
// read state (LTP, books) or register callbacks.
type Hub struct {
	mu    sync.RWMutex
	books map[string]*Book
	ltp   map[string]decimal.Decimal
	subs  []TradeFunc

	tradeChan chan symbolTrade
}

// NewHub creates a hub with a buffered inbox sized for feed bursts.
func NewHub() *Hub {
	return &Hub{
		books:     make(map[string]*Book),
		ltp:       make(map[string]decimal.Decimal),
		tradeChan: make(chan symbolTrade, 1000),
	}
}

// Book returns the order book for a symbol, creating it on first use.
func (h *Hub) Book(symbol string) *Book {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.books[symbol]
	if !ok {
		b = NewBook()
		h.books[symbol] = b
	}
	return b
}

// LTP returns the last traded price for a symbol.
func (h *Hub) LTP(symbol string) (decimal.Decimal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.ltp[symbol]
	return p, ok
}

// AddTradeCallback registers a subscriber for every processed trade tick.
// Callbacks must be registered before Start.
func (h *Hub) AddTradeCallback(fn TradeFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

// Publish enqueues a trade tick for processing.
func (h *Hub) Publish(symbol string, t Trade) {
	h.tradeChan <- symbolTrade{symbol: symbol, trade: t}
}

// Start launches the background processor draining the trade channel.
func (h *Hub) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-h.tradeChan:
				h.ProcessTrade(st.symbol, st.trade)
			}
		}
	}()
}

// ProcessTrade updates the LTP and fans the tick out to subscribers. Each
// subscriber call is isolated so one consumer's panic cannot starve the
// others of market data.
func (h *Hub) ProcessTrade(symbol string, t Trade) {
	h.mu.Lock()
	h.ltp[symbol] = t.Price
	subs := make([]TradeFunc, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	for _, fn := range subs {
		h.safeCall(fn, symbol, t)
	}
}

func (h *Hub) safeCall(fn TradeFunc, symbol string, t Trade) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("trade subscriber panicked",
				slog.String("symbol", symbol), slog.Any("panic", r))
		}
	}()
	fn(symbol, t)
}
