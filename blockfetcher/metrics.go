package blockfetcher

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the Prometheus collectors this package publishes.
// NewMetrics(nil) builds a set of metrics that are never registered
// anywhere, so callers that don't care about scraping can ignore the
// return value entirely.
type Metrics struct {
	QueueDepth     prometheus.Gauge
	BlocksResolved prometheus.Counter
	BatchSize      prometheus.Gauge
	BatchDuration  prometheus.Histogram
}

// NewMetrics builds the fetcher's metrics and, if registerer is non-nil,
// registers them under it.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pycoinnet",
			Subsystem: "blockfetcher",
			Name:      "queue_depth",
			Help:      "Number of block requests currently pending or in-flight.",
		}),
		BlocksResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pycoinnet",
			Subsystem: "blockfetcher",
			Name:      "blocks_resolved_total",
			Help:      "Total number of block requests resolved by an arriving block.",
		}),
		BatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pycoinnet",
			Subsystem: "blockfetcher",
			Name:      "batch_size",
			Help:      "Most recently computed adaptive batch size.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pycoinnet",
			Subsystem: "blockfetcher",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock time to resolve or time out a claimed batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.QueueDepth, m.BlocksResolved, m.BatchSize, m.BatchDuration)
	}
	return m
}
