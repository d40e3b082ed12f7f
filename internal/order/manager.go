package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade_go/internal/domain"
	"trade_go/internal/infra"
)

// ErrSubmitQueueFull is returned when the async submission pool is saturated.
// The pool is deliberately bounded to cap outstanding-request pressure on the
// venue.
var ErrSubmitQueueFull = errors.New("order submit queue full")

// Config tunes one lifecycle manager.
type Config struct {
	// Retention is how long closed/canceled orders stay in the owned set so
	// late duplicate events can still be matched instead of misrouted.
	Retention time.Duration
	// ZombieCheckInterval bounds how often one symbol's open orders are
	// audited against the venue's open-order list.
	ZombieCheckInterval time.Duration
	// OpTimeout bounds every synchronous venue call.
	OpTimeout time.Duration
	// AsyncWorkers sizes the bounded submission pool.
	AsyncWorkers int
	// WorkerInterval is the periodic worker tick, default one second.
	WorkerInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 60 * time.Second
	}
	if c.ZombieCheckInterval <= 0 {
		c.ZombieCheckInterval = 5 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	if c.AsyncWorkers <= 0 {
		c.AsyncWorkers = 4
	}
	if c.WorkerInterval <= 0 {
		c.WorkerInterval = time.Second
	}
}

// Manager owns all live and recently-closed orders for one venue connection.
//
// It submits create/cancel/edit operations, consumes the venue's order-event
// stream, detects zombie orders whose local state desynchronized from the
// venue, and purges orders past the retention window. The owned collections
// are single-writer-at-a-time: every mutation happens under mu, whether it
// comes from a calling thread or the periodic worker.
type Manager struct {
	log     *slog.Logger
	venue   domain.VenueClient
	cfg     Config
	metrics *infra.Metrics
	now     func() time.Time

	mu        sync.Mutex
	orders    map[string]*domain.Order
	backlog   []domain.OrderEvent
	inflight  int // outstanding creates; gates event application
	lastAudit map[string]time.Time

	worker *infra.PeriodicTask
	tasks  chan func()
	wg     sync.WaitGroup
}

// NewManager wires a manager to a venue client. Call Start to run the
// periodic worker and the async submission pool.
func NewManager(venue domain.VenueClient, log *slog.Logger, cfg Config) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		log:       log.With(slog.String("component", "order_manager")),
		venue:     venue,
		cfg:       cfg,
		metrics:   infra.GlobalMetrics,
		now:       time.Now,
		orders:    make(map[string]*domain.Order),
		lastAudit: make(map[string]time.Time),
		tasks:     make(chan func(), cfg.AsyncWorkers*4),
	}
	m.worker = infra.NewPeriodicTask("order_manager", cfg.WorkerInterval, m.log, m.tick)
	return m
}

// Start launches the periodic worker and the submission pool.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.AsyncWorkers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for task := range m.tasks {
				task()
			}
		}()
	}
	m.worker.Start()
}

// Stop halts the worker and drains the submission pool.
func (m *Manager) Stop() {
	m.worker.Stop()
	close(m.tasks)
	m.wg.Wait()
}

// CreateOrder validates and submits a new order, blocking until the venue
// accepts it or ctx/OpTimeout expires. The returned order is registered in
// the owned set; its OPEN transition arrives through the event stream.
func (m *Manager) CreateOrder(ctx context.Context, req domain.CreateRequest, cb func(*domain.Order, domain.OrderEvent)) (*domain.Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	o := m.newOrder(req, cb)

	m.beginCreate()
	defer m.endCreate()

	id, err := m.submitCreate(ctx, req)
	if err != nil {
		m.failCreate(o, err)
		return nil, err
	}
	m.register(o, id)
	return o, nil
}

// CreateOrderAsync returns an order in WAIT_OPEN immediately and completes
// the venue call on the bounded pool. done (optional) is invoked from the
// pool goroutine with the registration result; on failure the order's state
// is CANCELED.
func (m *Manager) CreateOrderAsync(req domain.CreateRequest, cb func(*domain.Order, domain.OrderEvent), done func(*domain.Order, error)) (*domain.Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	o := m.newOrder(req, cb)

	m.beginCreate()
	submitted := m.trySubmit(func() {
		defer m.endCreate()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
		defer cancel()

		id, err := m.submitCreate(ctx, req)
		if err != nil {
			m.failCreate(o, err)
		} else {
			m.register(o, id)
		}
		if done != nil {
			done(o, err)
		}
	})
	if !submitted {
		m.endCreate()
		m.failCreate(o, ErrSubmitQueueFull)
		return nil, ErrSubmitQueueFull
	}
	return o, nil
}

// CancelOrder optimistically moves an open order to WAIT_CANCEL and requests
// cancellation. A venue failure reverts the order to the state it held before
// the request; on success the final CANCELED arrives through the event stream.
func (m *Manager) CancelOrder(ctx context.Context, o *domain.Order) error {
	m.mu.Lock()
	if !o.IsOpen() {
		m.mu.Unlock()
		return domain.ErrOrderNotOpen
	}
	prev := o.State
	if o.State == domain.StateOpen || o.State == domain.StateWaitOpen {
		o.State = domain.StateWaitCancel
		o.StateTS = m.now()
	}
	id, symbol := o.ID, o.Symbol
	m.mu.Unlock()

	err := m.withRetry(ctx, func(ctx context.Context) error {
		return m.venue.CancelOrder(ctx, id, symbol)
	})
	if err != nil {
		m.mu.Lock()
		if o.State == domain.StateWaitCancel {
			o.State = prev
			o.StateTS = m.now()
		}
		m.mu.Unlock()
		m.log.Error("cancel order failed",
			slog.String("id", id), slog.String("symbol", symbol),
			slog.String("error", fmt.Sprintf("%T: %v", err, err)))
		m.metrics.RecordError()
		return err
	}
	return nil
}

// CancelOrderAsync dispatches CancelOrder to the bounded pool. Failures are
// surfaced through the order's state and the log, not to the caller.
func (m *Manager) CancelOrderAsync(o *domain.Order) error {
	ok := m.trySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
		defer cancel()
		_ = m.CancelOrder(ctx, o)
	})
	if !ok {
		return ErrSubmitQueueFull
	}
	return nil
}

// EditOrder amends an open order's amount and/or price. While the amend is
// in flight the order is flagged editing, which suppresses close-on-fill;
// the close condition is re-evaluated once the flag clears.
func (m *Manager) EditOrder(ctx context.Context, o *domain.Order, amount, price *decimal.Decimal) error {
	if amount == nil && price == nil {
		return nil
	}
	m.mu.Lock()
	if !o.IsOpen() {
		m.mu.Unlock()
		return domain.ErrOrderNotOpen
	}
	o.Editing = true
	id, symbol := o.ID, o.Symbol
	m.mu.Unlock()

	var res domain.EditResult
	err := m.withRetry(ctx, func(ctx context.Context) error {
		var inner error
		res, inner = m.venue.EditOrder(ctx, id, symbol, amount, price)
		return inner
	})

	var cb pendingCallback
	m.mu.Lock()
	o.Editing = false
	if err == nil {
		if amount != nil {
			o.Amount = res.Amount
		}
		if price != nil {
			o.Price = res.Price
		}
		o.StateTS = m.now()
	}
	if !o.IsClosed() && o.Filled.Cmp(o.Amount) >= 0 {
		cb = m.finishFillLocked(o, m.now())
	}
	m.mu.Unlock()
	cb.run()

	if err != nil {
		m.log.Error("edit order failed",
			slog.String("id", id), slog.String("symbol", symbol),
			slog.String("error", fmt.Sprintf("%T: %v", err, err)))
		m.metrics.RecordError()
	}
	return err
}

// HandleOrderEvent is the venue event sink. Events are applied immediately
// when the referenced order is registered and no create is outstanding;
// otherwise they are queued, never dropped. The outstanding-create gate is
// the one hard ordering invariant: it closes the race between "order
// accepted" and "fill event received".
func (m *Manager) HandleOrderEvent(e domain.OrderEvent) {
	var cb pendingCallback
	m.mu.Lock()
	if m.inflight > 0 {
		m.backlog = append(m.backlog, e)
		m.metrics.RecordEventQueued()
		m.mu.Unlock()
		return
	}
	o, ok := m.orders[e.ID]
	if !ok {
		m.backlog = append(m.backlog, e)
		m.metrics.RecordEventQueued()
		m.mu.Unlock()
		return
	}
	cb = m.applyLocked(o, e)
	m.mu.Unlock()
	cb.run()
}

// Closed reports whether an order has reached a terminal state, reading it
// under the manager lock.
func (m *Manager) Closed(o *domain.Order) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return o.IsClosed()
}

// Get returns the owned order with the given venue id.
func (m *Manager) Get(id string) (*domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return o, ok
}

// Orders returns a snapshot of the owned set.
func (m *Manager) Orders() []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

// ExternalOpenOrders returns still-open orders for a symbol that were not
// created by this manager.
func (m *Manager) ExternalOpenOrders(symbol string) []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.External && o.Symbol == symbol && o.IsOpen() {
			out = append(out, o)
		}
	}
	return out
}

func validateRequest(req domain.CreateRequest) error {
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return fmt.Errorf("%w: side %q", domain.ErrInvalidOrder, req.Side)
	}
	switch req.Type {
	case domain.OrderTypeLimit:
		if req.Price.Sign() <= 0 {
			return fmt.Errorf("%w: limit order without price", domain.ErrInvalidOrder)
		}
	case domain.OrderTypeMarket:
		if !req.Price.IsZero() {
			return fmt.Errorf("%w: market order with price", domain.ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: type %q", domain.ErrInvalidOrder, req.Type)
	}
	if req.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount %s", domain.ErrInvalidOrder, req.Amount)
	}
	return nil
}

func (m *Manager) newOrder(req domain.CreateRequest, cb func(*domain.Order, domain.OrderEvent)) *domain.Order {
	return &domain.Order{
		Symbol:    req.Symbol,
		Type:      req.Type,
		Side:      req.Side,
		Amount:    req.Amount,
		Price:     req.Price,
		Params:    req.Params,
		State:     domain.StateWaitOpen,
		StateTS:   m.now(),
		GroupName: req.Group,
		EventCB:   cb,
	}
}

func (m *Manager) beginCreate() {
	m.mu.Lock()
	m.inflight++
	m.mu.Unlock()
}

func (m *Manager) endCreate() {
	m.mu.Lock()
	m.inflight--
	m.mu.Unlock()
}

// submitCreate calls the venue with one inline retry for transient errors.
func (m *Manager) submitCreate(ctx context.Context, req domain.CreateRequest) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()
	id, err := m.venue.CreateOrder(opCtx, req)
	if err != nil && domain.IsRetriable(err) && opCtx.Err() == nil {
		m.log.Warn("create order retrying",
			slog.String("symbol", req.Symbol),
			slog.String("error", err.Error()))
		id, err = m.venue.CreateOrder(opCtx, req)
	}
	return id, err
}

func (m *Manager) withRetry(ctx context.Context, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()
	err := fn(opCtx)
	if err != nil && domain.IsRetriable(err) && opCtx.Err() == nil {
		err = fn(opCtx)
	}
	return err
}

func (m *Manager) register(o *domain.Order, id string) {
	m.mu.Lock()
	o.ID = id
	o.StateTS = m.now()
	m.orders[id] = o
	m.mu.Unlock()
	m.metrics.RecordOrderCreated()
	m.log.Info("order accepted",
		slog.String("id", id), slog.String("symbol", o.Symbol),
		slog.String("side", o.Side), slog.String("type", o.Type),
		slog.String("amount", o.Amount.String()), slog.String("price", o.Price.String()),
		slog.String("group", o.GroupName))
}

func (m *Manager) failCreate(o *domain.Order, err error) {
	m.mu.Lock()
	o.State = domain.StateCanceled
	o.StateTS = m.now()
	o.CloseTS = m.now()
	m.mu.Unlock()
	m.metrics.RecordError()
	m.log.Error("create order failed",
		slog.String("symbol", o.Symbol), slog.String("side", o.Side),
		slog.String("error", fmt.Sprintf("%T: %v", err, err)))
}

func (m *Manager) trySubmit(task func()) bool {
	select {
	case m.tasks <- task:
		return true
	default:
		return false
	}
}

// pendingCallback defers an order's EventCB until after mu is released, so
// callbacks may safely call back into the manager. The order is copied while
// the lock is still held; callbacks receive that copy, never the live order,
// so later events cannot mutate what they are reading.
type pendingCallback struct {
	snap domain.Order
	e    domain.OrderEvent
	cb   func(*domain.Order, domain.OrderEvent)
}

// snapshotCallback captures the order's current fields. Caller holds mu.
func snapshotCallback(o *domain.Order, e domain.OrderEvent) pendingCallback {
	return pendingCallback{snap: *o, e: e, cb: o.EventCB}
}

func (p pendingCallback) run() {
	if p.cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("order event callback panicked",
				slog.String("id", p.snap.ID), slog.Any("panic", r))
		}
	}()
	p.cb(&p.snap, p.e)
}

// applyLocked applies one event to one order. Caller holds mu; the returned
// callback must be run after unlocking.
func (m *Manager) applyLocked(o *domain.Order, e domain.OrderEvent) pendingCallback {
	now := e.TS
	if now.IsZero() {
		now = m.now()
	}

	switch e.Kind {
	case domain.EventOpen:
		if o.IsClosed() {
			m.log.Debug("open event on closed order", slog.String("id", o.ID))
		} else if o.State != domain.StateOpen && o.State != domain.StateWaitCancel {
			o.State = domain.StateOpen
			o.StateTS = now
		}
		if o.OpenTS.IsZero() {
			o.OpenTS = now
		}

	case domain.EventExecution:
		o.Filled = o.Filled.Add(e.Size.Abs())
		o.TradeTS = now
		if !o.Editing {
			if o.Filled.Cmp(o.Amount) > 0 {
				m.log.Error("filled exceeds amount",
					slog.String("id", o.ID),
					slog.String("filled", o.Filled.String()),
					slog.String("amount", o.Amount.String()))
				m.metrics.RecordError()
			}
			if o.Filled.Cmp(o.Amount) >= 0 && !o.IsClosed() {
				m.closeLocked(o, now, domain.StateClosed)
				m.metrics.RecordOrderFilled()
			}
		}

	case domain.EventClose:
		if o.IsClosed() {
			m.log.Debug("close event on closed order", slog.String("id", o.ID))
		} else {
			m.closeLocked(o, now, domain.StateClosed)
		}

	case domain.EventCancel:
		if o.State == domain.StateClosed {
			m.log.Debug("cancel event on closed order", slog.String("id", o.ID))
		} else if o.State != domain.StateCanceled {
			m.closeLocked(o, now, domain.StateCanceled)
		}

	case domain.EventOpenFailed:
		m.log.Warn("order rejected",
			slog.String("id", o.ID), slog.String("reason", e.Message))
		if !o.IsClosed() {
			m.closeLocked(o, now, domain.StateCanceled)
		}

	case domain.EventCancelFailed:
		m.log.Warn("cancel rejected",
			slog.String("id", o.ID), slog.String("reason", e.Message))
		if o.State == domain.StateWaitCancel {
			o.State = domain.StateOpen
			o.StateTS = now
		}

	case domain.EventError:
		m.log.Error("venue error event",
			slog.String("id", o.ID), slog.String("message", e.Message))
		m.metrics.RecordError()

	default:
		m.log.Warn("unknown event kind",
			slog.String("id", o.ID), slog.String("kind", e.Kind))
	}

	m.metrics.RecordEventApplied()
	return snapshotCallback(o, e)
}

// finishFillLocked closes a fully filled order outside the event path (used
// after an edit clears the editing flag).
func (m *Manager) finishFillLocked(o *domain.Order, now time.Time) pendingCallback {
	if o.Filled.Cmp(o.Amount) > 0 {
		m.log.Error("filled exceeds amount",
			slog.String("id", o.ID),
			slog.String("filled", o.Filled.String()),
			slog.String("amount", o.Amount.String()))
		m.metrics.RecordError()
	}
	m.closeLocked(o, now, domain.StateClosed)
	m.metrics.RecordOrderFilled()
	return snapshotCallback(o, domain.OrderEvent{
		ID: o.ID, TS: now, Kind: domain.EventClose, Message: "closed after edit",
	})
}

func (m *Manager) closeLocked(o *domain.Order, now time.Time, state string) {
	o.State = state
	o.StateTS = now
	o.CloseTS = now
}

// tick is the periodic worker body: drain the event backlog, purge orders
// past retention, audit one symbol for zombies.
func (m *Manager) tick(ctx context.Context) {
	m.DrainBacklog()
	m.purgeClosed()
	m.auditZombies(ctx)

	m.mu.Lock()
	m.metrics.SetBacklogDepth(len(m.backlog))
	m.metrics.SetLiveOrders(len(m.orders))
	m.mu.Unlock()
}

// DrainBacklog re-applies queued events once no create is outstanding.
// Events that still match no order become external order records when they
// carry placement info; otherwise they are kept until the retention window
// elapses and then dropped with an error log. The periodic worker calls
// this every tick; callers may invoke it directly to flush sooner.
func (m *Manager) DrainBacklog() {
	var cbs []pendingCallback

	m.mu.Lock()
	if m.inflight > 0 || len(m.backlog) == 0 {
		m.mu.Unlock()
		return
	}
	pending := m.backlog
	m.backlog = nil

	for _, e := range pending {
		if o, ok := m.orders[e.ID]; ok {
			cbs = append(cbs, m.applyLocked(o, e))
			continue
		}
		if e.HasPlacementInfo() {
			o := &domain.Order{
				Symbol:   e.Symbol,
				Type:     e.Type,
				Side:     e.Side,
				Amount:   e.Amount,
				ID:       e.ID,
				State:    domain.StateOpen,
				StateTS:  e.TS,
				OpenTS:   e.TS,
				External: true,
			}
			m.orders[e.ID] = o
			m.metrics.RecordExternalOrder()
			m.log.Warn("registered external order",
				slog.String("id", e.ID), slog.String("symbol", e.Symbol))
			cbs = append(cbs, m.applyLocked(o, e))
			continue
		}
		if m.now().Sub(e.TS) > m.cfg.Retention {
			m.log.Error("dropping unmatchable event",
				slog.String("id", e.ID), slog.String("kind", e.Kind))
			m.metrics.RecordError()
			continue
		}
		m.backlog = append(m.backlog, e)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb.run()
	}
}

func (m *Manager) purgeClosed() {
	cutoff := m.now().Add(-m.cfg.Retention)
	m.mu.Lock()
	for id, o := range m.orders {
		if o.IsClosed() && !o.CloseTS.IsZero() && o.CloseTS.Before(cutoff) {
			delete(m.orders, id)
		}
	}
	m.mu.Unlock()
}

// auditZombies round-robins across symbols with open orders, oldest-checked
// first, and forces CANCELED on any locally-open order the venue no longer
// lists. This compensates for lost cancel/close events.
func (m *Manager) auditZombies(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	due := ""
	var oldest time.Time
	for _, o := range m.orders {
		if o.State != domain.StateOpen && o.State != domain.StateWaitCancel {
			continue
		}
		last := m.lastAudit[o.Symbol]
		if now.Sub(last) < m.cfg.ZombieCheckInterval {
			continue
		}
		if due == "" || last.Before(oldest) {
			due, oldest = o.Symbol, last
		}
	}
	if due == "" {
		m.mu.Unlock()
		return
	}
	m.lastAudit[due] = now
	m.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()
	open, err := m.venue.FetchOpenOrders(opCtx, due)
	if err != nil {
		m.log.Warn("open order audit failed",
			slog.String("symbol", due), slog.String("error", err.Error()))
		return
	}
	listed := make(map[string]bool, len(open))
	for _, oo := range open {
		listed[oo.ID] = true
	}

	var cbs []pendingCallback
	m.mu.Lock()
	for _, o := range m.orders {
		if o.Symbol != due || listed[o.ID] {
			continue
		}
		if o.State != domain.StateOpen && o.State != domain.StateWaitCancel {
			continue
		}
		m.log.Warn("zombie order canceled",
			slog.String("id", o.ID), slog.String("symbol", o.Symbol))
		m.closeLocked(o, now, domain.StateCanceled)
		m.metrics.RecordZombieCanceled()
		cbs = append(cbs, snapshotCallback(o, domain.OrderEvent{
			ID: o.ID, TS: now, Kind: domain.EventCancel, Message: "not listed by venue",
		}))
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb.run()
	}
}
