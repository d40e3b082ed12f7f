package order

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade_go/internal/domain"
)

type fakeVenue struct {
	createFn func(domain.CreateRequest) (string, error)
	cancelFn func(id, symbol string) error
	editFn   func(id, symbol string, amount, price *decimal.Decimal) (domain.EditResult, error)
	openFn   func(symbol string) ([]domain.OpenOrder, error)
}

func (f *fakeVenue) CreateOrder(_ context.Context, req domain.CreateRequest) (string, error) {
	if f.createFn != nil {
		return f.createFn(req)
	}
	return "o-1", nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, id, symbol string) error {
	if f.cancelFn != nil {
		return f.cancelFn(id, symbol)
	}
	return nil
}

func (f *fakeVenue) EditOrder(_ context.Context, id, symbol string, amount, price *decimal.Decimal) (domain.EditResult, error) {
	if f.editFn != nil {
		return f.editFn(id, symbol, amount, price)
	}
	return domain.EditResult{}, errors.New("edit not supported")
}

func (f *fakeVenue) FetchOpenOrders(_ context.Context, symbol string) ([]domain.OpenOrder, error) {
	if f.openFn != nil {
		return f.openFn(symbol)
	}
	return nil, nil
}

func (f *fakeVenue) FetchPosition(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func newTestManager(v domain.VenueClient) *Manager {
	return NewManager(v, slog.Default(), Config{
		Retention:           time.Minute,
		ZombieCheckInterval: time.Millisecond,
		OpTimeout:           time.Second,
	})
}

func limitReq(side string, amount, price int64) domain.CreateRequest {
	return domain.CreateRequest{
		Symbol: "BTC_JPY",
		Type:   domain.OrderTypeLimit,
		Side:   side,
		Amount: decimal.NewFromInt(amount),
		Price:  decimal.NewFromInt(price),
	}
}

func TestCreateOrderRegisters(t *testing.T) {
	m := newTestManager(&fakeVenue{})

	o, err := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100), nil)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.ID != "o-1" {
		t.Errorf("id = %q, want o-1", o.ID)
	}
	if o.State != domain.StateWaitOpen {
		t.Errorf("state = %q, want WAIT_OPEN", o.State)
	}

	m.HandleOrderEvent(domain.OrderEvent{ID: "o-1", Kind: domain.EventOpen, TS: time.Now()})
	if o.State != domain.StateOpen {
		t.Errorf("state after open = %q, want OPEN", o.State)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	m := newTestManager(&fakeVenue{})

	cases := []domain.CreateRequest{
		{Symbol: "BTC_JPY", Type: domain.OrderTypeLimit, Side: "HOLD", Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)},
		{Symbol: "BTC_JPY", Type: domain.OrderTypeLimit, Side: domain.SideBuy, Amount: decimal.NewFromInt(1)},
		{Symbol: "BTC_JPY", Type: domain.OrderTypeMarket, Side: domain.SideBuy, Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)},
		{Symbol: "BTC_JPY", Type: domain.OrderTypeLimit, Side: domain.SideBuy, Price: decimal.NewFromInt(100)},
		{Symbol: "BTC_JPY", Type: "STOP", Side: domain.SideBuy, Amount: decimal.NewFromInt(1)},
	}
	for i, req := range cases {
		if _, err := m.CreateOrder(context.Background(), req, nil); !errors.Is(err, domain.ErrInvalidOrder) {
			t.Errorf("case %d: err = %v, want ErrInvalidOrder", i, err)
		}
	}
}

func TestCreateOrderRetriesTransient(t *testing.T) {
	calls := 0
	v := &fakeVenue{createFn: func(domain.CreateRequest) (string, error) {
		calls++
		if calls == 1 {
			return "", domain.NewVenueError("create", errors.New("timeout"))
		}
		return "o-2", nil
	}}
	m := newTestManager(v)

	o, err := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100), nil)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if calls != 2 {
		t.Errorf("venue calls = %d, want 2", calls)
	}
	if o.ID != "o-2" {
		t.Errorf("id = %q, want o-2", o.ID)
	}
}

func TestCreateOrderRejectCancels(t *testing.T) {
	v := &fakeVenue{createFn: func(domain.CreateRequest) (string, error) {
		return "", domain.NewVenueReject("create", errors.New("insufficient balance"))
	}}
	m := newTestManager(v)

	_, err := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(m.Orders()) != 0 {
		t.Errorf("rejected order should not be registered")
	}
}

func TestBacklogGatedByInflightCreate(t *testing.T) {
	var m *Manager
	v := &fakeVenue{}
	v.createFn = func(domain.CreateRequest) (string, error) {
		// Fill event arrives before the create call returns.
		m.HandleOrderEvent(domain.OrderEvent{
			ID: "o-1", Kind: domain.EventExecution, TS: time.Now(),
			Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1),
		})
		return "o-1", nil
	}
	m = newTestManager(v)

	o, err := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100), nil)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !o.Filled.IsZero() {
		t.Fatal("event applied while create was in flight")
	}

	m.DrainBacklog()
	if !o.Filled.Equal(decimal.NewFromInt(1)) {
		t.Errorf("filled = %s, want 1", o.Filled)
	}
	if o.State != domain.StateClosed {
		t.Errorf("state = %q, want CLOSED", o.State)
	}
}

func TestExecutionClosesOnFullFill(t *testing.T) {
	m := newTestManager(&fakeVenue{})
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideSell, 2, 100), nil)

	m.HandleOrderEvent(domain.OrderEvent{ID: o.ID, Kind: domain.EventOpen, TS: time.Now()})
	m.HandleOrderEvent(domain.OrderEvent{
		ID: o.ID, Kind: domain.EventExecution, TS: time.Now(),
		Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(-1),
	})
	if o.State != domain.StateOpen {
		t.Fatalf("state after partial fill = %q, want OPEN", o.State)
	}
	if !o.Remaining().Equal(decimal.NewFromInt(1)) {
		t.Errorf("remaining = %s, want 1", o.Remaining())
	}

	m.HandleOrderEvent(domain.OrderEvent{
		ID: o.ID, Kind: domain.EventExecution, TS: time.Now(),
		Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(-1),
	})
	if o.State != domain.StateClosed {
		t.Errorf("state after full fill = %q, want CLOSED", o.State)
	}
	if o.CloseTS.IsZero() {
		t.Error("close timestamp not set")
	}
}

func TestTerminalEventsIdempotent(t *testing.T) {
	m := newTestManager(&fakeVenue{})
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100), nil)

	m.HandleOrderEvent(domain.OrderEvent{ID: o.ID, Kind: domain.EventCancel, TS: time.Now()})
	first := o.CloseTS
	m.HandleOrderEvent(domain.OrderEvent{ID: o.ID, Kind: domain.EventCancel, TS: time.Now().Add(time.Second)})
	if o.State != domain.StateCanceled {
		t.Errorf("state = %q, want CANCELED", o.State)
	}
	if !o.CloseTS.Equal(first) {
		t.Error("duplicate cancel mutated close timestamp")
	}
}

func TestCancelRevertsOnFailure(t *testing.T) {
	v := &fakeVenue{cancelFn: func(string, string) error {
		return domain.NewVenueReject("cancel", errors.New("unknown order"))
	}}
	m := newTestManager(v)
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100), nil)
	m.HandleOrderEvent(domain.OrderEvent{ID: o.ID, Kind: domain.EventOpen, TS: time.Now()})

	if err := m.CancelOrder(context.Background(), o); err == nil {
		t.Fatal("expected cancel error")
	}
	if o.State != domain.StateOpen {
		t.Errorf("state = %q, want OPEN after failed cancel", o.State)
	}
}

func TestCancelWaitThenEvent(t *testing.T) {
	m := newTestManager(&fakeVenue{})
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100), nil)
	m.HandleOrderEvent(domain.OrderEvent{ID: o.ID, Kind: domain.EventOpen, TS: time.Now()})

	if err := m.CancelOrder(context.Background(), o); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if o.State != domain.StateWaitCancel {
		t.Fatalf("state = %q, want WAIT_CANCEL", o.State)
	}
	m.HandleOrderEvent(domain.OrderEvent{ID: o.ID, Kind: domain.EventCancel, TS: time.Now()})
	if o.State != domain.StateCanceled {
		t.Errorf("state = %q, want CANCELED", o.State)
	}
}

func TestEditSuppressesCloseUntilDone(t *testing.T) {
	editStarted := make(chan struct{})
	editRelease := make(chan struct{})
	newAmount := decimal.NewFromInt(3)
	v := &fakeVenue{editFn: func(_, _ string, amount, _ *decimal.Decimal) (domain.EditResult, error) {
		close(editStarted)
		<-editRelease
		return domain.EditResult{Amount: *amount}, nil
	}}
	m := newTestManager(v)
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100), nil)
	m.HandleOrderEvent(domain.OrderEvent{ID: o.ID, Kind: domain.EventOpen, TS: time.Now()})

	editDone := make(chan error, 1)
	go func() {
		editDone <- m.EditOrder(context.Background(), o, &newAmount, nil)
	}()
	<-editStarted

	// The fill for the old amount lands mid-edit and must not close the order.
	m.HandleOrderEvent(domain.OrderEvent{
		ID: o.ID, Kind: domain.EventExecution, TS: time.Now(),
		Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1),
	})
	if o.State == domain.StateClosed {
		t.Fatal("order closed while edit in flight")
	}

	close(editRelease)
	if err := <-editDone; err != nil {
		t.Fatalf("EditOrder: %v", err)
	}
	if !o.Amount.Equal(newAmount) {
		t.Errorf("amount = %s, want %s", o.Amount, newAmount)
	}
	if o.State != domain.StateOpen {
		t.Errorf("state = %q, want OPEN under the amended amount", o.State)
	}
}

func TestExternalOrderAdoption(t *testing.T) {
	m := newTestManager(&fakeVenue{})
	m.HandleOrderEvent(domain.OrderEvent{
		ID: "ext-1", Kind: domain.EventExecution, TS: time.Now(),
		Price: decimal.NewFromInt(200), Size: decimal.NewFromInt(1),
		Symbol: "ETH_JPY", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Amount: decimal.NewFromInt(5),
	})

	if _, ok := m.Get("ext-1"); ok {
		t.Fatal("unknown-id event applied before worker drain")
	}
	m.DrainBacklog()

	o, ok := m.Get("ext-1")
	if !ok {
		t.Fatal("external order not adopted")
	}
	if !o.External {
		t.Error("adopted order not flagged external")
	}
	if !o.Filled.Equal(decimal.NewFromInt(1)) {
		t.Errorf("filled = %s, want 1", o.Filled)
	}
	ext := m.ExternalOpenOrders("ETH_JPY")
	if len(ext) != 1 {
		t.Errorf("external open orders = %d, want 1", len(ext))
	}
}

func TestUnmatchableEventDroppedAfterRetention(t *testing.T) {
	m := newTestManager(&fakeVenue{})
	old := time.Now().Add(-2 * time.Minute)
	m.HandleOrderEvent(domain.OrderEvent{ID: "ghost", Kind: domain.EventCancel, TS: old})

	m.DrainBacklog()
	m.mu.Lock()
	depth := len(m.backlog)
	m.mu.Unlock()
	if depth != 0 {
		t.Errorf("backlog depth = %d, want 0 after retention drop", depth)
	}
}

func TestZombieAudit(t *testing.T) {
	v := &fakeVenue{openFn: func(string) ([]domain.OpenOrder, error) {
		return nil, nil // venue lists nothing
	}}
	m := newTestManager(v)

	var events []domain.OrderEvent
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100),
		func(_ *domain.Order, e domain.OrderEvent) { events = append(events, e) })
	m.HandleOrderEvent(domain.OrderEvent{ID: o.ID, Kind: domain.EventOpen, TS: time.Now()})

	m.auditZombies(context.Background())
	if o.State != domain.StateCanceled {
		t.Fatalf("state = %q, want CANCELED", o.State)
	}
	var sawCancel bool
	for _, e := range events {
		if e.Kind == domain.EventCancel {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Error("no synthetic cancel event delivered to callback")
	}
}

func TestZombieAuditSkipsListedOrders(t *testing.T) {
	v := &fakeVenue{}
	v.openFn = func(string) ([]domain.OpenOrder, error) {
		return []domain.OpenOrder{{ID: "o-1", Symbol: "BTC_JPY"}}, nil
	}
	m := newTestManager(v)
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100), nil)
	m.HandleOrderEvent(domain.OrderEvent{ID: o.ID, Kind: domain.EventOpen, TS: time.Now()})

	m.auditZombies(context.Background())
	if o.State != domain.StateOpen {
		t.Errorf("state = %q, want OPEN", o.State)
	}
}

func TestRetentionPurge(t *testing.T) {
	m := newTestManager(&fakeVenue{})
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100), nil)
	m.HandleOrderEvent(domain.OrderEvent{ID: o.ID, Kind: domain.EventCancel, TS: time.Now().Add(-2 * time.Minute)})

	m.purgeClosed()
	if _, ok := m.Get(o.ID); ok {
		t.Error("terminal order past retention not purged")
	}
}

func TestCallbackPanicIsolated(t *testing.T) {
	m := newTestManager(&fakeVenue{})
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100),
		func(*domain.Order, domain.OrderEvent) { panic("boom") })

	m.HandleOrderEvent(domain.OrderEvent{ID: o.ID, Kind: domain.EventOpen, TS: time.Now()})
	if o.State != domain.StateOpen {
		t.Errorf("state = %q, want OPEN despite callback panic", o.State)
	}
}

func TestFailedCancelRestoresWaitOpen(t *testing.T) {
	v := &fakeVenue{cancelFn: func(string, string) error {
		return domain.NewVenueReject("cancel", errors.New("unknown order"))
	}}
	m := newTestManager(v)
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 1, 100), nil)

	// The venue never acknowledged this order open, so a failed cancel must
	// not promote it to OPEN.
	if err := m.CancelOrder(context.Background(), o); err == nil {
		t.Fatal("expected cancel error")
	}
	if o.State != domain.StateWaitOpen {
		t.Errorf("state = %q, want WAIT_OPEN after failed cancel", o.State)
	}
}

func TestEventCallbackReceivesCopy(t *testing.T) {
	var seen []*domain.Order
	m := newTestManager(&fakeVenue{})
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 3, 100),
		func(co *domain.Order, e domain.OrderEvent) {
			if e.Kind == domain.EventExecution {
				seen = append(seen, co)
			}
		})

	fill := func() {
		m.HandleOrderEvent(domain.OrderEvent{
			ID: o.ID, Kind: domain.EventExecution, TS: time.Now(),
			Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1),
		})
	}
	fill()
	fill()

	if len(seen) != 2 {
		t.Fatalf("execution callbacks = %d, want 2", len(seen))
	}
	if seen[0] == o || seen[1] == o {
		t.Fatal("callback received the live order, want a copy")
	}
	// Each copy keeps the state it had when its event applied, even though
	// the live order has moved on.
	if !seen[0].Filled.Equal(decimal.NewFromInt(1)) {
		t.Errorf("first callback filled = %s, want 1", seen[0].Filled)
	}
	if !seen[1].Filled.Equal(decimal.NewFromInt(2)) {
		t.Errorf("second callback filled = %s, want 2", seen[1].Filled)
	}
	if !o.Filled.Equal(decimal.NewFromInt(2)) {
		t.Errorf("live filled = %s, want 2", o.Filled)
	}
}

func TestCallbacksRunOnStableSnapshots(t *testing.T) {
	m := newTestManager(&fakeVenue{})
	var mu sync.Mutex
	var bad []string
	o, _ := m.CreateOrder(context.Background(), limitReq(domain.SideBuy, 400, 100),
		func(co *domain.Order, _ domain.OrderEvent) {
			// Events applied on other goroutines must not mutate what this
			// callback is reading.
			filled := co.Filled
			if filled.GreaterThan(co.Amount) {
				mu.Lock()
				bad = append(bad, filled.String())
				mu.Unlock()
			}
		})

	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.HandleOrderEvent(domain.OrderEvent{
					ID: o.ID, Kind: domain.EventExecution, TS: time.Now(),
					Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1),
				})
			}
		}()
	}
	wg.Wait()

	if len(bad) > 0 {
		t.Errorf("callback observed filled beyond amount: %v", bad)
	}
	if !o.Filled.Equal(decimal.NewFromInt(400)) {
		t.Errorf("filled = %s, want 400", o.Filled)
	}
	if o.State != domain.StateClosed {
		t.Errorf("state = %q, want CLOSED", o.State)
	}
}
