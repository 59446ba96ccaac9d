package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight engine observability.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	commandsProcessed atomic.Uint64
	rejections        atomic.Uint64
	priceChanges      atomic.Uint64
	extensions        atomic.Uint64
	settlements       atomic.Uint64
	timeouts          atomic.Uint64
	frozenListings    atomic.Uint64
	publishErrors     atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeListings atomic.Int32
	watchers       atomic.Int32
	brokerDown     atomic.Int32 // 1 = disconnected
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordCommand records one applied command with its apply latency.
func (m *Metrics) RecordCommand(latencyNs int64) {
	m.commandsProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordRejection records a command rejected by validation or state checks.
func (m *Metrics) RecordRejection() {
	m.rejections.Add(1)
}

// RecordPriceChange records an appended price event.
func (m *Metrics) RecordPriceChange() {
	m.priceChanges.Add(1)
}

// RecordExtension records a soft-close deadline extension.
func (m *Metrics) RecordExtension() {
	m.extensions.Add(1)
}

// RecordSettlement records a fresh settlement.
func (m *Metrics) RecordSettlement() {
	m.settlements.Add(1)
}

// RecordTimeout records an enqueue that gave up on a full inbox.
func (m *Metrics) RecordTimeout() {
	m.timeouts.Add(1)
}

// RecordFrozen records a listing frozen for review.
func (m *Metrics) RecordFrozen() {
	m.frozenListings.Add(1)
}

// RecordPublishError records an outbound event that failed to deliver.
func (m *Metrics) RecordPublishError() {
	m.publishErrors.Add(1)
}

// ListingOpened increments the active listing gauge.
func (m *Metrics) ListingOpened() {
	m.activeListings.Add(1)
}

// ListingClosed decrements the active listing gauge.
func (m *Metrics) ListingClosed() {
	m.activeListings.Add(-1)
}

// IncrementWatchers increments connected price watchers by 1.
func (m *Metrics) IncrementWatchers() {
	m.watchers.Add(1)
}

// DecrementWatchers decrements connected price watchers by 1.
func (m *Metrics) DecrementWatchers() {
	m.watchers.Add(-1)
}

// SetBrokerConnected sets the message broker connection state.
func (m *Metrics) SetBrokerConnected(connected bool) {
	if connected {
		m.brokerDown.Store(0)
	} else {
		m.brokerDown.Store(1)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	CommandsProcessed uint64    `json:"commands_processed"`
	Rejections        uint64    `json:"rejections"`
	PriceChanges      uint64    `json:"price_changes"`
	Extensions        uint64    `json:"extensions"`
	Settlements       uint64    `json:"settlements"`
	Timeouts          uint64    `json:"timeouts"`
	FrozenListings    uint64    `json:"frozen_listings"`
	PublishErrors     uint64    `json:"publish_errors"`
	AvgLatencyNs      int64     `json:"avg_latency_ns"`
	ActiveListings    int32     `json:"active_listings"`
	Watchers          int32     `json:"watchers"`
	BrokerDown        bool      `json:"broker_down"`
	Timestamp         time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		CommandsProcessed: m.commandsProcessed.Load(),
		Rejections:        m.rejections.Load(),
		PriceChanges:      m.priceChanges.Load(),
		Extensions:        m.extensions.Load(),
		Settlements:       m.settlements.Load(),
		Timeouts:          m.timeouts.Load(),
		FrozenListings:    m.frozenListings.Load(),
		PublishErrors:     m.publishErrors.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveListings:    m.activeListings.Load(),
		Watchers:          m.watchers.Load(),
		BrokerDown:        m.brokerDown.Load() == 1,
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.commandsProcessed.Store(0)
	m.rejections.Store(0)
	m.priceChanges.Store(0)
	m.extensions.Store(0)
	m.settlements.Store(0)
	m.timeouts.Store(0)
	m.frozenListings.Store(0)
	m.publishErrors.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeListings.Store(0)
	m.watchers.Store(0)
	m.brokerDown.Store(0)
}
