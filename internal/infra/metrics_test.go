package infra

import (
	"testing"
)

func TestMetrics_Counters(t *testing.T) {
	m := &Metrics{}

	m.RecordEventApplied()
	m.RecordEventApplied()
	m.RecordEventQueued()
	m.RecordOrderCreated()
	m.RecordOrderFilled()
	m.RecordZombieCanceled()

	snap := m.Snapshot()

	if snap.EventsApplied != 2 {
		t.Errorf("Expected 2 events applied, got %d", snap.EventsApplied)
	}
	if snap.EventsQueued != 1 {
		t.Errorf("Expected 1 event queued, got %d", snap.EventsQueued)
	}
	if snap.OrdersCreated != 1 || snap.OrdersFilled != 1 {
		t.Errorf("Expected 1 created/1 filled, got %d/%d", snap.OrdersCreated, snap.OrdersFilled)
	}
	if snap.ZombiesCanceled != 1 {
		t.Errorf("Expected 1 zombie canceled, got %d", snap.ZombiesCanceled)
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := &Metrics{}

	m.SetBacklogDepth(7)
	m.SetLiveOrders(3)

	snap := m.Snapshot()
	if snap.BacklogDepth != 7 {
		t.Errorf("Expected backlog depth 7, got %d", snap.BacklogDepth)
	}
	if snap.LiveOrders != 3 {
		t.Errorf("Expected 3 live orders, got %d", snap.LiveOrders)
	}

	m.SetBacklogDepth(0)
	if m.Snapshot().BacklogDepth != 0 {
		t.Error("Expected gauge to track the latest value")
	}
}

func TestMetrics_DriftCounters(t *testing.T) {
	m := &Metrics{}

	m.RecordDriftConfirmed()
	m.RecordDriftConfirmed()
	m.RecordDriftCorrection()

	snap := m.Snapshot()
	if snap.DriftsConfirmed != 2 {
		t.Errorf("Expected 2 drifts confirmed, got %d", snap.DriftsConfirmed)
	}
	if snap.DriftCorrections != 1 {
		t.Errorf("Expected 1 correction, got %d", snap.DriftCorrections)
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordEventApplied()
	m.RecordError()
	m.SetLiveOrders(5)

	m.Reset()
	snap := m.Snapshot()

	if snap.EventsApplied != 0 {
		t.Error("Expected 0 events after reset")
	}
	if snap.ErrorsTotal != 0 {
		t.Error("Expected 0 errors after reset")
	}
	if snap.LiveOrders != 0 {
		t.Error("Expected 0 live orders after reset")
	}
}
