package marketdata

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Level is one price level of an order book side.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Book maintains a sorted bid/ask view of one symbol's order book, fed by
// depth updates from the market-data stream. Bids are kept best-first
// (descending), asks best-first (ascending).
type Book struct {
	mu   sync.RWMutex
	bids []Level
	asks []Level
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{}
}

// SetBid inserts or replaces a bid level. A zero size removes the level.
func (b *Book) SetBid(price, size decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = setLevel(b.bids, price, size, func(i int) bool {
		return b.bids[i].Price.LessThanOrEqual(price)
	})
}

// SetAsk inserts or replaces an ask level. A zero size removes the level.
func (b *Book) SetAsk(price, size decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.asks = setLevel(b.asks, price, size, func(i int) bool {
		return b.asks[i].Price.GreaterThanOrEqual(price)
	})
}

// setLevel inserts/replaces/removes a level in a side ordered so that ge(i)
// is true from the insertion point onward.
func setLevel(side []Level, price, size decimal.Decimal, ge func(int) bool) []Level {
	i := sort.Search(len(side), ge)
	if i < len(side) && side[i].Price.Equal(price) {
		if size.IsZero() {
			return append(side[:i], side[i+1:]...)
		}
		side[i].Size = size
		return side
	}
	if size.IsZero() {
		return side
	}
	side = append(side, Level{})
	copy(side[i+1:], side[i:])
	side[i] = Level{Price: price, Size: size}
	return side
}

// ReplaceSnapshot swaps in a full book snapshot. Levels must already be
// sorted best-first; venue adapters deliver them that way.
func (b *Book) ReplaceSnapshot(bids, asks []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = append(b.bids[:0], bids...)
	b.asks = append(b.asks[:0], asks...)
}

// Bids returns a copy of the bid side, best price first.
func (b *Book) Bids() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Level, len(b.bids))
	copy(out, b.bids)
	return out
}

// Asks returns a copy of the ask side, best price first.
func (b *Book) Asks() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Level, len(b.asks))
	copy(out, b.asks)
	return out
}

// BestBid returns the highest bid, if any.
func (b *Book) BestBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return Level{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *Book) BestAsk() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return Level{}, false
	}
	return b.asks[0], true
}
