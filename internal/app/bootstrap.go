package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trade_go/internal/domain"
	"trade_go/internal/group"
	"trade_go/internal/infra"
	"trade_go/internal/infra/feed"
	"trade_go/internal/infra/storage"
	"trade_go/internal/marketdata"
	"trade_go/internal/order"
	"trade_go/internal/sim"
)

// Bootstrap wires the paper-trading runtime: market-data hub, feed worker,
// matching simulator, order lifecycle manager, group registry and journal.
type Bootstrap struct {
	Config   *infra.Config
	Hub      *marketdata.Hub
	Feed     *feed.Worker
	Sim      *sim.Simulator
	Manager  *order.Manager
	Registry *group.Registry
	Journal  *storage.Journal

	groups []*group.Group
}

// NewBootstrap creates an empty Bootstrap instance.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and wires every component. Nothing runs
// until Start.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping trade core...")

	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	if cfg.Venue.Mode != "paper" {
		return fmt.Errorf("venue mode %q has no adapter wired", cfg.Venue.Mode)
	}

	b.Hub = marketdata.NewHub()

	b.Sim = sim.NewSimulator(b.Hub, sim.Config{
		CreateLatency:  time.Duration(cfg.Sim.CreateDelayMS) * time.Millisecond,
		CancelLatency:  time.Duration(cfg.Sim.CancelDelayMS) * time.Millisecond,
		MakerFeeRate:   cfg.Sim.MakerFeeRate,
		TakerFeeRate:   cfg.Sim.TakerFeeRate,
		Market:         cfg.Sim.Market,
		QuoteSized:     cfg.Sim.QuoteSized,
		QuotePrecision: cfg.Sim.QuotePrecision,
	}, logger)
	for ccy, amount := range cfg.Sim.Balances {
		b.Sim.Balances().Deposit(ccy, amount)
	}
	slog.Info("✅ Matching simulator ready", slog.String("market", cfg.Sim.Market))

	b.Manager = order.NewManager(b.Sim, logger, order.Config{
		Retention:           time.Duration(cfg.Lifecycle.RetentionSec) * time.Second,
		ZombieCheckInterval: time.Duration(cfg.Lifecycle.ZombieCheckSec) * time.Second,
		OpTimeout:           time.Duration(cfg.Lifecycle.OpTimeoutSec) * time.Second,
		AsyncWorkers:        cfg.Lifecycle.AsyncWorkers,
	})
	b.Sim.SetEventSink(b.Manager.HandleOrderEvent)

	mode := domain.BaseDenominated
	if cfg.Venue.Accounting == "quote" {
		mode = domain.QuoteDenominated
	}
	b.Registry = group.NewRegistry(b.Manager, b.Sim, mode, b.Hub.LTP, logger)

	if cfg.Storage.Path != "" {
		journal, err := storage.NewJournal(cfg.Storage.Path)
		if err != nil {
			return err
		}
		b.Journal = journal
		slog.Info("✅ Execution journal initialized", slog.String("path", cfg.Storage.Path))
	}

	if cfg.Feed.WSURL != "" {
		b.Feed = feed.NewWorker(feed.Config{
			URL:          cfg.Feed.WSURL,
			Symbols:      cfg.Feed.Symbols,
			PingInterval: time.Duration(cfg.Feed.PingIntervalSec) * time.Second,
			ReadTimeout:  time.Duration(cfg.Feed.ReadTimeoutSec) * time.Second,
		}, b.Hub, logger)
	}

	if err := b.buildGroups(); err != nil {
		return err
	}

	return nil
}

// buildGroups creates the configured order groups and hangs the journal
// subscriber on each. The groups are the entry points through which calling
// code (or an embedding application) places orders.
func (b *Bootstrap) buildGroups() error {
	for _, entry := range b.Config.Groups {
		grp, err := b.Registry.Get(entry.Name, entry.Symbol)
		if err != nil {
			return err
		}
		if b.Journal != nil {
			grp.AddCallback(b.journalEvent)
		}
		b.groups = append(b.groups, grp)
		slog.Info("✅ Order group ready",
			slog.String("group", entry.Name), slog.String("symbol", entry.Symbol))
	}
	return nil
}

// Groups returns the groups declared in configuration, in order.
func (b *Bootstrap) Groups() []*group.Group { return b.groups }

// journalEvent persists fills as they happen and the order row once it
// reaches a terminal state.
func (b *Bootstrap) journalEvent(o *domain.Order, e domain.OrderEvent) {
	switch e.Kind {
	case domain.EventExecution:
		if err := b.Journal.SaveFill(o, e); err != nil {
			slog.Error("journal fill write failed", slog.String("order_id", o.ID), slog.Any("error", err))
		}
	case domain.EventClose, domain.EventCancel:
		if err := b.Journal.SaveOrder(o); err != nil {
			slog.Error("journal order write failed", slog.String("order_id", o.ID), slog.Any("error", err))
		}
	}
}

// Start brings the runtime up: hub, feed, lifecycle manager, registry and
// drift reconciliation.
func (b *Bootstrap) Start(ctx context.Context) error {
	b.Hub.Start(ctx)
	b.Manager.Start()
	b.Registry.Start()

	if b.Feed != nil {
		if err := b.Feed.Connect(ctx); err != nil {
			return fmt.Errorf("feed connect: %w", err)
		}
		slog.Info("✅ Feed worker connected", slog.Int("symbols", len(b.Config.Feed.Symbols)))
	}

	for _, entry := range b.Config.Sync {
		err := b.Registry.EnableSync(group.SyncConfig{
			Symbol:        entry.Symbol,
			MinLot:        entry.MinLot,
			MaxLot:        entry.MaxLot,
			CheckInterval: time.Duration(entry.CheckIntervalSec) * time.Second,
			UpdateMargin:  time.Duration(entry.UpdateMarginSec) * time.Second,
			SettleDelay:   time.Duration(entry.SettleDelayMS) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("enable sync %s: %w", entry.Symbol, err)
		}
		slog.Info("✅ Position sync enabled", slog.String("symbol", entry.Symbol))
	}

	slog.Info("✨ Trade core operational",
		slog.String("mode", b.Config.Venue.Mode),
		slog.Int("groups", len(b.groups)))
	return nil
}

// Stop tears the runtime down in reverse dependency order.
func (b *Bootstrap) Stop() {
	if b.Feed != nil {
		b.Feed.Disconnect()
	}
	b.Registry.Stop()
	b.Manager.Stop()
	slog.Info("👋 Trade core stopped")
}
