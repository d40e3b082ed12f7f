package sim

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"trade_go/internal/domain"
)

// BalanceBook tracks per-asset balances for the simulated account. Spot
// sells are validated against it so paper trading cannot sell assets the
// account never held.
type BalanceBook struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func NewBalanceBook() *BalanceBook {
	return &BalanceBook{balances: make(map[string]decimal.Decimal)}
}

// Deposit credits an asset.
func (b *BalanceBook) Deposit(asset string, amount decimal.Decimal) {
	b.mu.Lock()
	b.balances[asset] = b.balances[asset].Add(amount)
	b.mu.Unlock()
}

// Withdraw debits an asset, failing if the balance would go negative.
func (b *BalanceBook) Withdraw(asset string, amount decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.balances[asset]
	if cur.LessThan(amount) {
		return fmt.Errorf("%w: %s balance %s < %s", domain.ErrInsufficientBalance, asset, cur, amount)
	}
	b.balances[asset] = cur.Sub(amount)
	return nil
}

// Apply adjusts an asset by a signed delta without a floor check. Fills use
// this: a fill was already validated at order time.
func (b *BalanceBook) Apply(asset string, delta decimal.Decimal) {
	b.mu.Lock()
	b.balances[asset] = b.balances[asset].Add(delta)
	b.mu.Unlock()
}

// Get returns the current balance of an asset.
func (b *BalanceBook) Get(asset string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[asset]
}

// Snapshot returns a copy of all balances.
func (b *BalanceBook) Snapshot() map[string]decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(b.balances))
	for k, v := range b.balances {
		out[k] = v
	}
	return out
}
