package group

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"trade_go/internal/domain"
	"trade_go/internal/infra"
	"trade_go/internal/order"
)

// MarkPriceFunc returns the latest trade price for a symbol, if one has been
// observed. Used to refresh unrealized pnl between fills.
type MarkPriceFunc func(symbol string) (decimal.Decimal, bool)

// Registry owns every order group and runs per-symbol position
// reconciliation against the venue.
type Registry struct {
	mgr     *order.Manager
	venue   domain.VenueClient
	mode    domain.AccountingMode
	marks   MarkPriceFunc
	log     *slog.Logger
	metrics *infra.Metrics

	mu     sync.RWMutex
	groups map[string]*Group
	syncs  map[string]*positionSync

	task   *infra.PeriodicTask
	seqGen atomic.Int64
}

// NewRegistry builds a registry over one lifecycle manager and its venue.
// marks may be nil when no market-data feed is attached.
func NewRegistry(mgr *order.Manager, venue domain.VenueClient, mode domain.AccountingMode, marks MarkPriceFunc, log *slog.Logger) *Registry {
	r := &Registry{
		mgr:     mgr,
		venue:   venue,
		mode:    mode,
		marks:   marks,
		log:     log.With(slog.String("component", "group_registry")),
		metrics: infra.GlobalMetrics,
		groups:  make(map[string]*Group),
		syncs:   make(map[string]*positionSync),
	}
	r.task = infra.NewPeriodicTask("group_registry", time.Second, r.log, r.tick)
	return r
}

// Start launches the registry worker.
func (r *Registry) Start() { r.task.Start() }

// Stop halts the registry worker and every reconciliation loop.
func (r *Registry) Stop() {
	r.task.Stop()
	r.mu.Lock()
	syncs := make([]*positionSync, 0, len(r.syncs))
	for sym, s := range r.syncs {
		syncs = append(syncs, s)
		delete(r.syncs, sym)
	}
	r.mu.Unlock()
	for _, s := range syncs {
		s.task.Stop()
	}
}

// tick refreshes unrealized pnl for every group from the latest trade price.
func (r *Registry) tick(context.Context) {
	if r.marks == nil {
		return
	}
	for _, g := range r.All() {
		if price, ok := r.marks(g.symbol); ok {
			g.Mark(price)
		}
	}
}

// Get returns the group with the given name, creating it on first use. A
// name is bound to one symbol for its lifetime.
func (r *Registry) Get(name, symbol string) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[name]; ok {
		if g.symbol != symbol {
			return nil, fmt.Errorf("group %q is bound to %s, not %s", name, g.symbol, symbol)
		}
		return g, nil
	}
	g := newGroup(name, symbol, r.mode, r.mgr, r.log)
	r.groups[name] = g
	return g, nil
}

// Destroy cancels a group's outstanding orders and drops it from the
// registry, discarding its position account.
func (r *Registry) Destroy(ctx context.Context, name string) error {
	r.mu.Lock()
	g, ok := r.groups[name]
	delete(r.groups, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return g.CancelAll(ctx)
}

// All returns a snapshot of every group.
func (r *Registry) All() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// LocalPosition sums the signed positions of every group trading a symbol.
func (r *Registry) LocalPosition(symbol string) decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := decimal.Zero
	for _, g := range r.groups {
		if g.symbol == symbol {
			total = total.Add(g.account.Position())
		}
	}
	return total
}

// lastUpdate returns the most recent account update across a symbol's groups.
func (r *Registry) lastUpdate(symbol string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last time.Time
	for _, g := range r.groups {
		if g.symbol == symbol {
			if ts := g.account.UpdatedAt(); ts.After(last) {
				last = ts
			}
		}
	}
	return last
}

// SyncConfig tunes position reconciliation for one symbol.
type SyncConfig struct {
	Symbol string
	// MinLot is the smallest tradeable corrective order. Confirmed drifts
	// below it are reported but left alone.
	MinLot decimal.Decimal
	// MaxLot caps a single corrective order; larger targets are split.
	MaxLot decimal.Decimal
	// CheckInterval is how often local and venue positions are compared.
	CheckInterval time.Duration
	// UpdateMargin is the quiescence required since the last local fill
	// before a comparison is trusted.
	UpdateMargin time.Duration
	// SettleDelay is the pause after each corrective order.
	SettleDelay time.Duration
	// Gate, when set, can decline a reconciliation cycle.
	Gate func() bool
}

func (c *SyncConfig) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.UpdateMargin <= 0 {
		c.UpdateMargin = 3 * time.Second
	}
	if c.MaxLot.Sign() <= 0 {
		c.MaxLot = c.MinLot
	}
}

// EnableSync starts the reconciliation loop for one symbol.
func (r *Registry) EnableSync(cfg SyncConfig) error {
	cfg.applyDefaults()
	if cfg.Symbol == "" || cfg.MinLot.Sign() <= 0 {
		return fmt.Errorf("position sync for %q needs a symbol and a positive min lot", cfg.Symbol)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.syncs[cfg.Symbol]; ok {
		return fmt.Errorf("position sync already enabled for %s", cfg.Symbol)
	}
	s := &positionSync{reg: r, cfg: cfg, log: r.log.With(slog.String("symbol", cfg.Symbol))}
	s.task = infra.NewPeriodicTask("position_sync_"+cfg.Symbol, cfg.CheckInterval, s.log, s.tick)
	r.syncs[cfg.Symbol] = s
	s.task.Start()
	return nil
}

// DisableSync stops the reconciliation loop for one symbol.
func (r *Registry) DisableSync(symbol string) {
	r.mu.Lock()
	s, ok := r.syncs[symbol]
	delete(r.syncs, symbol)
	r.mu.Unlock()
	if ok {
		s.task.Stop()
	}
}

// positionSync compares the local aggregate position with the venue's and,
// when a mismatch persists across two consecutive checks, trades it away in
// bounded market orders through a dedicated group.
type positionSync struct {
	reg  *Registry
	cfg  SyncConfig
	log  *slog.Logger
	task *infra.PeriodicTask

	mu         sync.Mutex
	pending    *observation
	correcting bool
}

type observation struct {
	diff decimal.Decimal
	seen time.Time
}

func (s *positionSync) tick(ctx context.Context) {
	s.mu.Lock()
	if s.correcting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.cfg.Gate != nil && !s.cfg.Gate() {
		return
	}

	// External orders are not under local accounting; cancel them before
	// comparing so they stop moving the venue side.
	for _, o := range s.reg.mgr.ExternalOpenOrders(s.cfg.Symbol) {
		s.log.Warn("canceling external order", slog.String("id", o.ID))
		if err := s.reg.mgr.CancelOrder(ctx, o); err != nil {
			s.log.Warn("external order cancel failed",
				slog.String("id", o.ID), slog.String("error", err.Error()))
		}
	}

	// A fresh execution means one side may not reflect the fill yet.
	ts0 := s.reg.lastUpdate(s.cfg.Symbol)
	if time.Since(ts0) < s.cfg.UpdateMargin {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckInterval)
	venuePos, err := s.reg.venue.FetchPosition(opCtx, s.cfg.Symbol)
	cancel()
	if err != nil {
		s.log.Warn("position fetch failed", slog.String("error", err.Error()))
		return
	}
	if !s.reg.lastUpdate(s.cfg.Symbol).Equal(ts0) {
		// Local state moved while the venue query was in flight.
		return
	}

	local := s.reg.LocalPosition(s.cfg.Symbol)
	diff := local.Sub(venuePos)

	s.mu.Lock()
	if diff.IsZero() {
		s.pending = nil
		s.mu.Unlock()
		return
	}
	if s.pending == nil || !s.pending.diff.Equal(diff) {
		// First sighting, or the drift is still moving. Wait one more
		// round so a fill in flight is not mistaken for desync.
		s.pending = &observation{diff: diff, seen: time.Now()}
		s.mu.Unlock()
		s.log.Warn("position drift observed",
			slog.String("local", local.String()),
			slog.String("venue", venuePos.String()),
			slog.String("diff", diff.String()))
		return
	}
	firstSeen := s.pending.seen
	s.pending = nil
	s.mu.Unlock()

	alert := domain.NewDriftAlert(s.cfg.Symbol, local, venuePos, firstSeen)
	s.reg.metrics.RecordDriftConfirmed()
	s.log.Error("position drift confirmed",
		slog.String("local", alert.Local.String()),
		slog.String("venue", alert.Venue.String()),
		slog.String("diff", alert.Diff.String()),
		slog.Time("first_seen", alert.FirstSeen))
	if !alert.IsActionable(s.cfg.MinLot) {
		s.log.Warn("drift below min lot, leaving as-is",
			slog.String("diff", alert.Diff.String()))
		return
	}

	s.mu.Lock()
	s.correcting = true
	s.mu.Unlock()
	s.correct(ctx, alert)
	s.mu.Lock()
	s.correcting = false
	s.mu.Unlock()
}

// correct trades the confirmed drift away. The corrective target is the
// negated diff; orders run through a dedicated throwaway group whose
// accumulated position measures progress, each slice clamped to
// [MinLot, MaxLot] with a settle pause so fills propagate before the next
// slice is sized.
func (s *positionSync) correct(ctx context.Context, alert *domain.DriftAlert) {
	name := fmt.Sprintf("possync_%s_%d", s.cfg.Symbol, s.reg.seqGen.Add(1))
	g, err := s.reg.Get(name, s.cfg.Symbol)
	if err != nil {
		s.log.Error("corrective group unavailable", slog.String("error", err.Error()))
		return
	}
	defer func() {
		if err := s.reg.Destroy(ctx, name); err != nil {
			s.log.Warn("corrective group teardown", slog.String("error", err.Error()))
		}
	}()

	target := alert.Diff.Neg()
	for ctx.Err() == nil {
		remaining := target.Sub(g.Position())
		if remaining.IsZero() {
			break
		}
		lot := decimal.Min(remaining.Abs(), s.cfg.MaxLot)
		if lot.LessThan(s.cfg.MinLot) {
			s.log.Warn("residual drift below min lot, stopping",
				slog.String("residual", remaining.String()))
			break
		}
		side := domain.SideBuy
		if remaining.Sign() < 0 {
			side = domain.SideSell
		}

		o, err := g.CreateOrder(ctx, domain.CreateRequest{
			Type:   domain.OrderTypeMarket,
			Side:   side,
			Amount: lot,
		})
		if err != nil {
			s.log.Error("corrective order failed", slog.String("error", err.Error()))
			s.reg.metrics.RecordError()
			return
		}
		if !s.waitClosed(ctx, o) {
			s.log.Error("corrective order did not settle", slog.String("id", o.ID))
			return
		}
		s.log.Info("corrective order done",
			slog.String("id", o.ID), slog.String("side", side),
			slog.String("filled", o.Filled.String()),
			slog.String("group_position", g.Position().String()))

		if !sleepCtx(ctx, s.cfg.SettleDelay) {
			return
		}
	}
	s.reg.metrics.RecordDriftCorrection()
	s.log.Info("position drift corrected", slog.String("symbol", s.cfg.Symbol))
}

func (s *positionSync) waitClosed(ctx context.Context, o *domain.Order) bool {
	deadline := time.Now().Add(s.cfg.SettleDelay + 10*time.Second)
	for time.Now().Before(deadline) {
		if s.reg.mgr.Closed(o) {
			return true
		}
		if !sleepCtx(ctx, 20*time.Millisecond) {
			return false
		}
	}
	return false
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
