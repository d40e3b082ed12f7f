package group

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"trade_go/internal/domain"
	"trade_go/internal/order"
)

// Group is a named trading scope. Orders created through it are tagged with
// the group name, and their executions feed the group's position account so
// per-strategy position and pnl stay separable even when several strategies
// trade the same symbol on one connection.
type Group struct {
	name   string
	symbol string
	mgr    *order.Manager
	log    *slog.Logger

	account *domain.PositionAccount

	mu     sync.Mutex
	orders map[string]*domain.Order
	subs   []func(*domain.Order, domain.OrderEvent)
}

func newGroup(name, symbol string, mode domain.AccountingMode, mgr *order.Manager, log *slog.Logger) *Group {
	return &Group{
		name:    name,
		symbol:  symbol,
		mgr:     mgr,
		log:     log.With(slog.String("group", name), slog.String("symbol", symbol)),
		account: domain.NewPositionAccount(mode),
		orders:  make(map[string]*domain.Order),
	}
}

// Name returns the group's unique name.
func (g *Group) Name() string { return g.name }

// Symbol returns the symbol this group trades.
func (g *Group) Symbol() string { return g.symbol }

// Account exposes the group's position account.
func (g *Group) Account() *domain.PositionAccount { return g.account }

// AddCallback registers a subscriber for every event on the group's orders.
// Subscribers run after the account has been updated.
func (g *Group) AddCallback(fn func(*domain.Order, domain.OrderEvent)) {
	g.mu.Lock()
	g.subs = append(g.subs, fn)
	g.mu.Unlock()
}

// CreateOrder places an order owned by this group. The request's symbol is
// forced to the group's symbol.
func (g *Group) CreateOrder(ctx context.Context, req domain.CreateRequest) (*domain.Order, error) {
	req.Symbol = g.symbol
	req.Group = g.name
	o, err := g.mgr.CreateOrder(ctx, req, g.route)
	if err != nil {
		return nil, err
	}
	g.track(o)
	return o, nil
}

// CreateOrderAsync places an order owned by this group without waiting for
// venue acceptance.
func (g *Group) CreateOrderAsync(req domain.CreateRequest, done func(*domain.Order, error)) (*domain.Order, error) {
	req.Symbol = g.symbol
	req.Group = g.name
	o, err := g.mgr.CreateOrderAsync(req, g.route, func(o *domain.Order, err error) {
		if err == nil {
			g.track(o)
		}
		if done != nil {
			done(o, err)
		}
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CancelOrder cancels one of the group's orders.
func (g *Group) CancelOrder(ctx context.Context, o *domain.Order) error {
	return g.mgr.CancelOrder(ctx, o)
}

// EditOrder amends one of the group's orders.
func (g *Group) EditOrder(ctx context.Context, o *domain.Order, amount, price *decimal.Decimal) error {
	return g.mgr.EditOrder(ctx, o, amount, price)
}

// CancelAll cancels every live order in the group. The first error is
// returned after all cancels have been attempted.
func (g *Group) CancelAll(ctx context.Context) error {
	var firstErr error
	for _, o := range g.OpenOrders() {
		if err := g.mgr.CancelOrder(ctx, o); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenOrders returns the group's live orders.
func (g *Group) OpenOrders() []*domain.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*domain.Order, 0, len(g.orders))
	for _, o := range g.orders {
		out = append(out, o)
	}
	return out
}

// Position returns the group's signed position.
func (g *Group) Position() decimal.Decimal { return g.account.Position() }

// Mark refreshes unrealized pnl against a reference price.
func (g *Group) Mark(price decimal.Decimal) { g.account.UpdateUnrealized(price) }

func (g *Group) track(o *domain.Order) {
	g.mu.Lock()
	if o.ID != "" {
		g.orders[o.ID] = o
	}
	g.mu.Unlock()
}

// route is the event callback attached to every group order: executions
// update the account first, then subscribers run, then terminal orders are
// dropped from the live set. The order argument is the manager's snapshot
// copy, so live pointers come from a manager lookup, never from o itself.
func (g *Group) route(o *domain.Order, e domain.OrderEvent) {
	if e.Kind == domain.EventExecution {
		g.account.Update(e.Price, e.Size, e.Fee)
	}

	g.mu.Lock()
	if _, ok := g.orders[o.ID]; !ok && o.ID != "" && !o.IsClosed() {
		// Async creates can see their first event before track ran.
		if live, found := g.mgr.Get(o.ID); found {
			g.orders[o.ID] = live
		}
	}
	subs := make([]func(*domain.Order, domain.OrderEvent), len(g.subs))
	copy(subs, g.subs)
	g.mu.Unlock()

	for _, fn := range subs {
		g.safeCall(fn, o, e)
	}

	if o.IsClosed() {
		g.mu.Lock()
		delete(g.orders, o.ID)
		g.mu.Unlock()
	}
}

func (g *Group) safeCall(fn func(*domain.Order, domain.OrderEvent), o *domain.Order, e domain.OrderEvent) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("group subscriber panicked", slog.Any("panic", r))
		}
	}()
	fn(o, e)
}
