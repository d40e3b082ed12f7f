package sim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"trade_go/internal/domain"
	"trade_go/internal/marketdata"
)

const (
	MarketSpot       = "spot"
	MarketDerivative = "derivative"
)

// Config tunes the simulated venue.
type Config struct {
	// CreateLatency is the delay between a create call and acceptance.
	CreateLatency time.Duration
	// CancelLatency is the delay between a cancel call and its taking effect.
	CancelLatency time.Duration
	MakerFeeRate  decimal.Decimal
	TakerFeeRate  decimal.Decimal
	// Market selects spot (balance-checked sells) or derivative behavior.
	Market string
	// QuoteSized venues express order size in quote currency; book depth
	// and trade sizes are converted before comparison.
	QuoteSized bool
	// QuotePrecision is the rounding applied to quote-sized conversions.
	QuotePrecision int32
	// Fee computes per-fill fees; defaults to QuoteFee.
	Fee FeeFunc
}

func (c *Config) applyDefaults() {
	if c.Market == "" {
		c.Market = MarketDerivative
	}
	if c.Fee == nil {
		c.Fee = QuoteFee
	}
}

// Simulator is a paper-trading venue. It implements the same client contract
// as a real venue adapter, synthesizing fills from the live market-data
// feed: taker fills by walking the book when an order is accepted, maker
// fills when incoming trades print through a resting order's limit.
type Simulator struct {
	log      *slog.Logger
	cfg      Config
	hub      *marketdata.Hub
	balances *BalanceBook
	now      func() time.Time
	idGen    atomic.Int64

	sinkMu sync.RWMutex
	sink   domain.EventSink

	mu   sync.Mutex
	syms map[string]*symbolSim
}

// NewSimulator builds a simulator fed by hub's trade stream.
func NewSimulator(hub *marketdata.Hub, cfg Config, log *slog.Logger) *Simulator {
	cfg.applyDefaults()
	s := &Simulator{
		log:      log.With(slog.String("component", "matching_sim")),
		cfg:      cfg,
		hub:      hub,
		balances: NewBalanceBook(),
		now:      time.Now,
		syms:     make(map[string]*symbolSim),
	}
	hub.AddTradeCallback(s.onTrade)
	return s
}

// SetEventSink installs the order-event consumer.
func (s *Simulator) SetEventSink(sink domain.EventSink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

// Balances exposes the simulated account's balance book.
func (s *Simulator) Balances() *BalanceBook { return s.balances }

type simOrder struct {
	id     string
	symbol string
	typ    string
	side   string
	amount decimal.Decimal
	price  decimal.Decimal
	filled decimal.Decimal
	state  string
	due    time.Time
}

func (o *simOrder) remaining() decimal.Decimal { return o.amount.Sub(o.filled) }

func (o *simOrder) closed() bool {
	return o.state == domain.StateClosed || o.state == domain.StateCanceled
}

type cancelReq struct {
	id  string
	due time.Time
}

type symbolSim struct {
	symbol        string
	base          string
	buys          []*simOrder // resting, highest price first
	sells         []*simOrder // resting, lowest price first
	pendingOpen   []*simOrder
	pendingCancel []cancelReq
	position      decimal.Decimal
}

func (s *Simulator) symbolLocked(symbol string) *symbolSim {
	sym, ok := s.syms[symbol]
	if !ok {
		sym = &symbolSim{symbol: symbol, base: baseAsset(symbol)}
		s.syms[symbol] = sym
	}
	return sym
}

func baseAsset(symbol string) string {
	if i := strings.IndexByte(symbol, '_'); i > 0 {
		return symbol[:i]
	}
	return symbol
}

// CreateOrder queues the order, waits out the acceptance latency, and
// promotes it (open event plus immediate taker attempt) before returning.
func (s *Simulator) CreateOrder(ctx context.Context, req domain.CreateRequest) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}
	o := &simOrder{
		id:     fmt.Sprintf("sim-%d", s.idGen.Add(1)),
		symbol: req.Symbol,
		typ:    req.Type,
		side:   req.Side,
		amount: req.Amount,
		price:  req.Price,
		state:  domain.StateWaitOpen,
		due:    s.now().Add(s.cfg.CreateLatency),
	}

	s.mu.Lock()
	sym := s.symbolLocked(req.Symbol)
	if s.cfg.Market == MarketSpot && req.Side == domain.SideSell {
		committed := s.committedSellsLocked(sym)
		debit := s.sellDebitLocked(sym, req.Price, req.Amount, s.cfg.TakerFeeRate)
		if committed.Add(debit).GreaterThan(s.balances.Get(sym.base)) {
			s.mu.Unlock()
			return "", domain.NewVenueReject("create",
				fmt.Errorf("%w: committed %s + %s exceeds %s balance",
					domain.ErrInsufficientBalance, committed, debit, sym.base))
		}
	}
	sym.pendingOpen = append(sym.pendingOpen, o)
	s.mu.Unlock()

	if !sleepCtx(ctx, s.cfg.CreateLatency) {
		s.mu.Lock()
		sym.pendingOpen = removeOrder(sym.pendingOpen, o.id)
		s.mu.Unlock()
		return "", domain.NewVenueError("create", domain.ErrCreateTimeout)
	}
	s.emit(s.advance(req.Symbol))
	return o.id, nil
}

// CancelOrder queues the cancel, waits out the cancel latency, and applies
// it. The outcome arrives as a cancel or cancel_failed event.
func (s *Simulator) CancelOrder(ctx context.Context, id, symbol string) error {
	s.mu.Lock()
	sym, ok := s.syms[symbol]
	if !ok {
		s.mu.Unlock()
		return domain.NewVenueReject("cancel", fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id))
	}
	o := findOrder(sym, id)
	if o == nil || o.closed() {
		s.mu.Unlock()
		return domain.NewVenueReject("cancel", fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id))
	}
	sym.pendingCancel = append(sym.pendingCancel, cancelReq{id: id, due: s.now().Add(s.cfg.CancelLatency)})
	s.mu.Unlock()

	if sleepCtx(ctx, s.cfg.CancelLatency) {
		s.emit(s.advance(symbol))
	}
	return nil
}

// EditOrder amends a resting limit order in place.
func (s *Simulator) EditOrder(_ context.Context, id, symbol string, amount, price *decimal.Decimal) (domain.EditResult, error) {
	var evs []domain.OrderEvent
	s.mu.Lock()
	sym, ok := s.syms[symbol]
	if !ok {
		s.mu.Unlock()
		return domain.EditResult{}, domain.NewVenueReject("edit", fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id))
	}
	o := findOrder(sym, id)
	if o == nil || o.closed() || o.typ != domain.OrderTypeLimit {
		s.mu.Unlock()
		return domain.EditResult{}, domain.NewVenueReject("edit", fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id))
	}
	if amount != nil {
		o.amount = *amount
	}
	if price != nil {
		o.price = *price
		s.resortLocked(sym, o)
	}
	if o.state == domain.StateOpen && o.filled.GreaterThanOrEqual(o.amount) {
		o.state = domain.StateClosed
		s.pruneLocked(sym)
		evs = append(evs, domain.OrderEvent{
			ID: o.id, TS: s.now(), Kind: domain.EventClose, Message: "amended below filled",
		})
	}
	res := domain.EditResult{Price: o.price, Amount: o.amount}
	s.mu.Unlock()
	s.emit(evs)
	return res, nil
}

// FetchOpenOrders lists accepted, still-open orders.
func (s *Simulator) FetchOpenOrders(_ context.Context, symbol string) ([]domain.OpenOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym, ok := s.syms[symbol]
	if !ok {
		return nil, nil
	}
	var out []domain.OpenOrder
	for _, o := range append(append([]*simOrder{}, sym.buys...), sym.sells...) {
		if !o.closed() {
			out = append(out, domain.OpenOrder{ID: o.id, Symbol: symbol})
		}
	}
	return out, nil
}

// FetchPosition returns the simulated signed position.
func (s *Simulator) FetchPosition(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sym, ok := s.syms[symbol]; ok {
		return sym.position, nil
	}
	return decimal.Zero, nil
}

func validate(req domain.CreateRequest) error {
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return domain.NewVenueReject("create", fmt.Errorf("%w: side %q", domain.ErrInvalidOrder, req.Side))
	}
	switch req.Type {
	case domain.OrderTypeLimit:
		if req.Price.Sign() <= 0 {
			return domain.NewVenueReject("create", fmt.Errorf("%w: limit order without price", domain.ErrInvalidOrder))
		}
	case domain.OrderTypeMarket:
		if !req.Price.IsZero() {
			return domain.NewVenueReject("create", fmt.Errorf("%w: market order with price", domain.ErrInvalidOrder))
		}
	default:
		return domain.NewVenueReject("create", fmt.Errorf("%w: type %q", domain.ErrInvalidOrder, req.Type))
	}
	if req.Amount.Sign() <= 0 {
		return domain.NewVenueReject("create", fmt.Errorf("%w: amount %s", domain.ErrInvalidOrder, req.Amount))
	}
	return nil
}

// onTrade is the per-tick pipeline: promote due opens (with their taker
// walk), cross the trade against resting orders, apply due cancels, drop
// closed orders from the resting books.
func (s *Simulator) onTrade(symbol string, t marketdata.Trade) {
	s.mu.Lock()
	sym, ok := s.syms[symbol]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.now()
	evs := s.promoteLocked(sym, now)
	evs = append(evs, s.makerLocked(sym, t, now)...)
	evs = append(evs, s.applyCancelsLocked(sym, now)...)
	s.pruneLocked(sym)
	s.mu.Unlock()
	s.emit(evs)
}

// advance runs the promotion and cancel phases outside a trade tick, so
// latency-gated transitions complete even on a quiet feed.
func (s *Simulator) advance(symbol string) []domain.OrderEvent {
	s.mu.Lock()
	sym, ok := s.syms[symbol]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	evs := s.promoteLocked(sym, now)
	evs = append(evs, s.applyCancelsLocked(sym, now)...)
	s.pruneLocked(sym)
	s.mu.Unlock()
	return evs
}

func (s *Simulator) promoteLocked(sym *symbolSim, now time.Time) []domain.OrderEvent {
	var evs []domain.OrderEvent
	var still []*simOrder
	for _, o := range sym.pendingOpen {
		if o.due.After(now) {
			still = append(still, o)
			continue
		}
		o.state = domain.StateOpen
		evs = append(evs, domain.OrderEvent{
			ID: o.id, TS: now, Kind: domain.EventOpen,
			Symbol: sym.symbol, Side: o.side, Type: o.typ, Amount: o.amount,
		})
		evs = append(evs, s.takerLocked(sym, o, now)...)
		if !o.closed() {
			if o.typ == domain.OrderTypeLimit {
				s.restLocked(sym, o)
			} else {
				// Market order with no price reference at all.
				o.state = domain.StateCanceled
				evs = append(evs, domain.OrderEvent{
					ID: o.id, TS: now, Kind: domain.EventOpenFailed, Message: "no liquidity",
				})
			}
		}
	}
	sym.pendingOpen = still
	return evs
}

// takerLocked walks the opposite book side. Limit orders consume levels
// strictly inside their limit; market orders consume the whole book and
// take any remainder at the last level reached.
func (s *Simulator) takerLocked(sym *symbolSim, o *simOrder, now time.Time) []domain.OrderEvent {
	book := s.hub.Book(sym.symbol)
	var levels []marketdata.Level
	if o.side == domain.SideBuy {
		levels = book.Asks()
	} else {
		levels = book.Bids()
	}

	var evs []domain.OrderEvent
	var lastPrice decimal.Decimal
	for _, lv := range levels {
		if o.remaining().IsZero() {
			break
		}
		if o.typ == domain.OrderTypeLimit {
			if o.side == domain.SideBuy && lv.Price.GreaterThanOrEqual(o.price) {
				break
			}
			if o.side == domain.SideSell && lv.Price.LessThanOrEqual(o.price) {
				break
			}
		}
		avail := lv.Size
		if s.cfg.QuoteSized {
			avail = s.toQuote(lv.Price, lv.Size)
		}
		take := decimal.Min(o.remaining(), avail)
		if take.Sign() <= 0 {
			continue
		}
		evs = append(evs, s.fillLocked(sym, o, lv.Price, take, s.cfg.TakerFeeRate, now))
		lastPrice = lv.Price
	}

	if o.typ == domain.OrderTypeMarket && o.remaining().Sign() > 0 {
		p := lastPrice
		if p.IsZero() {
			if ltp, ok := s.hub.LTP(sym.symbol); ok {
				p = ltp
			}
		}
		if p.Sign() > 0 {
			evs = append(evs, s.fillLocked(sym, o, p, o.remaining(), s.cfg.TakerFeeRate, now))
		}
	}
	return evs
}

// makerLocked crosses an incoming trade against resting orders at their own
// limit prices, best price first, until the trade size is spent.
func (s *Simulator) makerLocked(sym *symbolSim, t marketdata.Trade, now time.Time) []domain.OrderEvent {
	liquidity := t.Size.Abs()
	if s.cfg.QuoteSized {
		liquidity = s.toQuote(t.Price, liquidity)
	}

	var evs []domain.OrderEvent
	budget := liquidity
	for _, o := range sym.buys {
		if budget.Sign() <= 0 {
			break
		}
		if o.closed() || !t.Price.LessThan(o.price) {
			break // sorted best first: nothing further crosses either
		}
		take := decimal.Min(o.remaining(), budget)
		evs = append(evs, s.fillLocked(sym, o, o.price, take, s.cfg.MakerFeeRate, now))
		budget = budget.Sub(take)
	}
	budget = liquidity
	for _, o := range sym.sells {
		if budget.Sign() <= 0 {
			break
		}
		if o.closed() || !t.Price.GreaterThan(o.price) {
			break
		}
		take := decimal.Min(o.remaining(), budget)
		evs = append(evs, s.fillLocked(sym, o, o.price, take, s.cfg.MakerFeeRate, now))
		budget = budget.Sub(take)
	}
	return evs
}

func (s *Simulator) fillLocked(sym *symbolSim, o *simOrder, price, qty decimal.Decimal, rate decimal.Decimal, now time.Time) domain.OrderEvent {
	fee := s.cfg.Fee(sym.symbol, o.side, price, qty, rate)
	signed := qty
	if o.side == domain.SideSell {
		signed = signed.Neg()
	}
	o.filled = o.filled.Add(qty)
	if o.filled.GreaterThanOrEqual(o.amount) {
		o.state = domain.StateClosed
	}
	sym.position = sym.position.Add(signed)

	if s.cfg.Market == MarketSpot {
		baseDelta := signed
		if s.cfg.QuoteSized && price.Sign() > 0 {
			baseDelta = signed.Div(price)
		}
		s.balances.Apply(sym.base, baseDelta)
		if fee.FromBalance.Sign() > 0 {
			s.balances.Apply(sym.base, fee.FromBalance.Neg())
		}
	}

	return domain.OrderEvent{
		ID: o.id, TS: now, Kind: domain.EventExecution,
		Price: price, Size: signed, Fee: fee.PnL, Message: fee.Info,
	}
}

func (s *Simulator) applyCancelsLocked(sym *symbolSim, now time.Time) []domain.OrderEvent {
	var evs []domain.OrderEvent
	var still []cancelReq
	for _, c := range sym.pendingCancel {
		if c.due.After(now) {
			still = append(still, c)
			continue
		}
		o := findOrder(sym, c.id)
		if o == nil || o.closed() {
			evs = append(evs, domain.OrderEvent{
				ID: c.id, TS: now, Kind: domain.EventCancelFailed, Message: "already closed",
			})
			continue
		}
		o.state = domain.StateCanceled
		sym.pendingOpen = removeOrder(sym.pendingOpen, o.id)
		evs = append(evs, domain.OrderEvent{ID: c.id, TS: now, Kind: domain.EventCancel})
	}
	sym.pendingCancel = still
	return evs
}

// restLocked inserts a limit remainder into the resting book side, price
// priority first, arrival order within a price.
func (s *Simulator) restLocked(sym *symbolSim, o *simOrder) {
	if o.side == domain.SideBuy {
		sym.buys = insertSorted(sym.buys, o, func(a, b *simOrder) bool {
			return a.price.GreaterThan(b.price)
		})
	} else {
		sym.sells = insertSorted(sym.sells, o, func(a, b *simOrder) bool {
			return a.price.LessThan(b.price)
		})
	}
}

func (s *Simulator) resortLocked(sym *symbolSim, o *simOrder) {
	if o.side == domain.SideBuy {
		sym.buys = removeOrder(sym.buys, o.id)
	} else {
		sym.sells = removeOrder(sym.sells, o.id)
	}
	s.restLocked(sym, o)
}

func (s *Simulator) pruneLocked(sym *symbolSim) {
	sym.buys = filterOpen(sym.buys)
	sym.sells = filterOpen(sym.sells)
}

// committedSellsLocked sums the base currency already spoken for by this
// symbol's live sells, in base units regardless of how orders are sized.
// Resting orders fill at maker rate, queued ones could cross as taker.
func (s *Simulator) committedSellsLocked(sym *symbolSim) decimal.Decimal {
	total := decimal.Zero
	for _, o := range sym.sells {
		if !o.closed() {
			total = total.Add(s.sellDebitLocked(sym, o.price, o.remaining(), s.cfg.MakerFeeRate))
		}
	}
	for _, o := range sym.pendingOpen {
		if o.side == domain.SideSell {
			total = total.Add(s.sellDebitLocked(sym, o.price, o.remaining(), s.cfg.TakerFeeRate))
		}
	}
	return total
}

// sellDebitLocked estimates the base currency one unfilled sell takes out of
// the balance when it fills: the quantity itself plus whatever part of the
// fee the venue deducts from the balance, both priced at the order's limit
// price or, for markets, the last traded price. Quote-sized quantities are
// converted through that reference price; with no reference price at all the
// order contributes nothing rather than a figure in the wrong unit.
func (s *Simulator) sellDebitLocked(sym *symbolSim, price, qty, rate decimal.Decimal) decimal.Decimal {
	ref := price
	if ref.Sign() <= 0 {
		if ltp, ok := s.hub.LTP(sym.symbol); ok {
			ref = ltp
		}
	}
	base := qty
	if s.cfg.QuoteSized {
		if ref.Sign() <= 0 {
			return decimal.Zero
		}
		base = qty.Div(ref)
	}
	if ref.Sign() > 0 {
		fee := s.cfg.Fee(sym.symbol, domain.SideSell, ref, base, rate)
		base = base.Add(fee.FromBalance)
	}
	return base
}

func (s *Simulator) toQuote(price, baseSize decimal.Decimal) decimal.Decimal {
	return price.Mul(baseSize).Round(s.cfg.QuotePrecision)
}

func (s *Simulator) emit(evs []domain.OrderEvent) {
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	for _, e := range evs {
		sink(e)
	}
}

func findOrder(sym *symbolSim, id string) *simOrder {
	for _, list := range [][]*simOrder{sym.pendingOpen, sym.buys, sym.sells} {
		for _, o := range list {
			if o.id == id {
				return o
			}
		}
	}
	return nil
}

func insertSorted(list []*simOrder, o *simOrder, before func(a, b *simOrder) bool) []*simOrder {
	i := len(list)
	for j, x := range list {
		if before(o, x) {
			i = j
			break
		}
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = o
	return list
}

func removeOrder(list []*simOrder, id string) []*simOrder {
	out := list[:0]
	for _, o := range list {
		if o.id != id {
			out = append(out, o)
		}
	}
	return out
}

func filterOpen(list []*simOrder) []*simOrder {
	out := list[:0]
	for _, o := range list {
		if !o.closed() {
			out = append(out, o)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
