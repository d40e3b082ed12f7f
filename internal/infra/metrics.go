package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	eventsApplied    atomic.Uint64
	eventsQueued     atomic.Uint64
	ordersCreated    atomic.Uint64
	ordersFilled     atomic.Uint64
	externalOrders   atomic.Uint64
	zombiesCanceled  atomic.Uint64
	driftsConfirmed  atomic.Uint64
	driftCorrections atomic.Uint64
	errorsTotal      atomic.Uint64

	// Gauges
	backlogDepth atomic.Int64
	liveOrders   atomic.Int64
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordEventApplied records an order event applied to a local order.
func (m *Metrics) RecordEventApplied() { m.eventsApplied.Add(1) }

// RecordEventQueued records an event parked in the backlog.
func (m *Metrics) RecordEventQueued() { m.eventsQueued.Add(1) }

// RecordOrderCreated records an accepted create.
func (m *Metrics) RecordOrderCreated() { m.ordersCreated.Add(1) }

// RecordOrderFilled records a fully filled order.
func (m *Metrics) RecordOrderFilled() { m.ordersFilled.Add(1) }

// RecordExternalOrder records an order discovered via the event stream.
func (m *Metrics) RecordExternalOrder() { m.externalOrders.Add(1) }

// RecordZombieCanceled records a locally-open order forced to CANCELED
// because the venue no longer lists it.
func (m *Metrics) RecordZombieCanceled() { m.zombiesCanceled.Add(1) }

// RecordDriftConfirmed records a drift observed on two consecutive checks.
func (m *Metrics) RecordDriftConfirmed() { m.driftsConfirmed.Add(1) }

// RecordDriftCorrection records a completed corrective routine.
func (m *Metrics) RecordDriftCorrection() { m.driftCorrections.Add(1) }

// RecordError records an error occurrence.
func (m *Metrics) RecordError() { m.errorsTotal.Add(1) }

// SetBacklogDepth sets the current event backlog depth.
func (m *Metrics) SetBacklogDepth(n int) { m.backlogDepth.Store(int64(n)) }

// SetLiveOrders sets the current owned-order count.
func (m *Metrics) SetLiveOrders(n int) { m.liveOrders.Store(int64(n)) }

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsApplied    uint64
	EventsQueued     uint64
	OrdersCreated    uint64
	OrdersFilled     uint64
	ExternalOrders   uint64
	ZombiesCanceled  uint64
	DriftsConfirmed  uint64
	DriftCorrections uint64
	ErrorsTotal      uint64
	BacklogDepth     int64
	LiveOrders       int64
	Timestamp        time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		EventsApplied:    m.eventsApplied.Load(),
		EventsQueued:     m.eventsQueued.Load(),
		OrdersCreated:    m.ordersCreated.Load(),
		OrdersFilled:     m.ordersFilled.Load(),
		ExternalOrders:   m.externalOrders.Load(),
		ZombiesCanceled:  m.zombiesCanceled.Load(),
		DriftsConfirmed:  m.driftsConfirmed.Load(),
		DriftCorrections: m.driftCorrections.Load(),
		ErrorsTotal:      m.errorsTotal.Load(),
		BacklogDepth:     m.backlogDepth.Load(),
		LiveOrders:       m.liveOrders.Load(),
		Timestamp:        time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.eventsApplied.Store(0)
	m.eventsQueued.Store(0)
	m.ordersCreated.Store(0)
	m.ordersFilled.Store(0)
	m.externalOrders.Store(0)
	m.zombiesCanceled.Store(0)
	m.driftsConfirmed.Store(0)
	m.driftCorrections.Store(0)
	m.errorsTotal.Store(0)
	m.backlogDepth.Store(0)
	m.liveOrders.Store(0)
}
