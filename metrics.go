package bulk

import "github.com/daos-stack/mercury-bulk/internal/metrics"

// Metrics mirrors metrics.Metrics for callers that only import the
// facade package. Obtain one per Engine via Engine.Metrics.
type Metrics = metrics.Metrics

// Observer mirrors metrics.Observer.
type Observer = metrics.Observer

// LatencyBuckets mirrors metrics.LatencyBuckets.
var LatencyBuckets = metrics.LatencyBuckets

// NewMetrics creates a standalone Metrics instance, e.g. for a caller
// that wants to aggregate across more than one Engine.
func NewMetrics() *Metrics {
	return metrics.NewMetrics()
}
