// Package metrics provides atomic-counter instrumentation for the bulk
// engine, the same shape as the teacher's root metrics.go (a plain struct
// of atomics plus a pluggable Observer) rather than pulling in a metrics
// client library the pack never otherwise references.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering a single sub-op's completion time from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for an Engine.
type Metrics struct {
	// Transfer counters
	PushOps atomic.Uint64 // Push (PUT) sub-ops or self-path transfers completed
	PullOps atomic.Uint64 // Pull (GET) sub-ops or self-path transfers completed

	// Byte counters
	BytesPushed atomic.Uint64
	BytesPulled atomic.Uint64

	// Sub-op counters
	SubOpsIssued   atomic.Uint64
	SubOpsComplete atomic.Uint64

	// Error counters
	TransferErrors atomic.Uint64
	Cancellations  atomic.Uint64

	// Self-path vs NA-path split
	SelfPathTransfers atomic.Uint64
	NATransfers       atomic.Uint64

	// Op-id pool growth events
	PoolGrowths atomic.Uint64

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts); bucket[i] counts
	// sub-ops with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTransfer records one completed NA sub-op or self-path transfer.
// isPush distinguishes Push (PUT) from Pull (GET) the way the caller's Op
// type would, without this package depending on the engine package's Op
// type.
func (m *Metrics) RecordTransfer(isPush bool, bytes uint64, latencyNs uint64, self bool, success bool) {
	if isPush {
		m.PushOps.Add(1)
		m.BytesPushed.Add(bytes)
	} else {
		m.PullOps.Add(1)
		m.BytesPulled.Add(bytes)
	}
	if self {
		m.SelfPathTransfers.Add(1)
	} else {
		m.NATransfers.Add(1)
	}
	m.SubOpsComplete.Add(1)
	if !success {
		m.TransferErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordIssue records that one sub-op was handed to the NA transport,
// ahead of its eventual RecordTransfer completion.
func (m *Metrics) RecordIssue() {
	m.SubOpsIssued.Add(1)
}

// RecordCancellation records one Cancel request on a transfer, whatever
// that transfer's eventual outcome.
func (m *Metrics) RecordCancellation() {
	m.Cancellations.Add(1)
}

// RecordPoolGrowth records that an op-id pool doubled its free-list.
func (m *Metrics) RecordPoolGrowth() {
	m.PoolGrowths.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// AverageLatencyNs returns the mean recorded sub-op latency in
// nanoseconds, or 0 if none have been recorded.
func (m *Metrics) AverageLatencyNs() uint64 {
	count := m.OpCount.Load()
	if count == 0 {
		return 0
	}
	return m.TotalLatencyNs.Load() / count
}

// Observer receives metrics snapshots on demand; implementations decide
// how often to poll and where to export to (e.g. Prometheus, logs).
type Observer interface {
	Observe(m *Metrics)
}
