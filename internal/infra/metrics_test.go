package infra

import (
	"testing"
)

func TestMetrics_RecordCommand(t *testing.T) {
	m := &Metrics{}

	m.RecordCommand(1000)
	m.RecordCommand(2000)
	m.RecordCommand(3000)

	snap := m.Snapshot()

	if snap.CommandsProcessed != 3 {
		t.Errorf("Expected 3 commands, got %d", snap.CommandsProcessed)
	}

	// Average latency: (1000 + 2000 + 3000) / 3 = 2000
	if snap.AvgLatencyNs != 2000 {
		t.Errorf("Expected avg latency 2000, got %d", snap.AvgLatencyNs)
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := &Metrics{}

	m.RecordRejection()
	m.RecordPriceChange()
	m.RecordPriceChange()
	m.RecordExtension()
	m.RecordSettlement()
	m.RecordTimeout()
	m.RecordFrozen()
	m.RecordPublishError()

	snap := m.Snapshot()
	if snap.Rejections != 1 || snap.PriceChanges != 2 || snap.Extensions != 1 {
		t.Errorf("unexpected counters: %+v", snap)
	}
	if snap.Settlements != 1 || snap.Timeouts != 1 || snap.FrozenListings != 1 || snap.PublishErrors != 1 {
		t.Errorf("unexpected counters: %+v", snap)
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := &Metrics{}

	m.ListingOpened()
	m.ListingOpened()
	m.ListingClosed()
	m.IncrementWatchers()
	m.IncrementWatchers()
	m.IncrementWatchers()
	m.DecrementWatchers()

	snap := m.Snapshot()
	if snap.ActiveListings != 1 {
		t.Errorf("Expected 1 active listing, got %d", snap.ActiveListings)
	}
	if snap.Watchers != 2 {
		t.Errorf("Expected 2 watchers, got %d", snap.Watchers)
	}
}

func TestMetrics_BrokerState(t *testing.T) {
	m := &Metrics{}

	snap := m.Snapshot()
	if snap.BrokerDown {
		t.Error("Expected broker up initially")
	}

	m.SetBrokerConnected(false)
	snap = m.Snapshot()
	if !snap.BrokerDown {
		t.Error("Expected broker down")
	}

	m.SetBrokerConnected(true)
	snap = m.Snapshot()
	if snap.BrokerDown {
		t.Error("Expected broker up")
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordCommand(1000)
	m.RecordRejection()
	m.IncrementWatchers()

	m.Reset()
	snap := m.Snapshot()

	if snap.CommandsProcessed != 0 {
		t.Error("Expected 0 commands after reset")
	}
	if snap.Rejections != 0 {
		t.Error("Expected 0 rejections after reset")
	}
	if snap.Watchers != 0 {
		t.Error("Expected 0 watchers after reset")
	}
}
