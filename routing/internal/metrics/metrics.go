package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "routing"

// Metrics holds the routing collectors. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation in tests.
type Metrics struct {
	assignOutcomes   *prometheus.CounterVec
	assignLatency    prometheus.Histogram
	ingestResults    *prometheus.CounterVec
	cacheFallbacks   *prometheus.CounterVec
	cacheWriteErrors prometheus.Counter
	publishFailures  *prometheus.CounterVec
}

// New registers the collectors with reg (prometheus.DefaultRegisterer if nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		assignOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "assign_total",
			Help:      "Assignment attempts by outcome.",
		}, []string{"outcome"}),
		assignLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "assign_duration_seconds",
			Help:      "Latency of a single assignment attempt.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		ingestResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Consumed messages by ingestor and result.",
		}, []string{"ingestor", "result"}),
		cacheFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "fallback_total",
			Help:      "Directory lookups answered by the store, by reason (empty/error).",
		}, []string{"reason"}),
		cacheWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "write_failures_total",
			Help:      "Worker snapshot writes that failed after the store write succeeded.",
		}),
		publishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Events that could not be delivered, by topic.",
		}, []string{"topic"}),
	}
}

func (m *Metrics) ObserveAssign(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.assignOutcomes.WithLabelValues(outcome).Inc()
	m.assignLatency.Observe(d.Seconds())
}

func (m *Metrics) IngestResult(ingestor, result string) {
	if m == nil {
		return
	}
	m.ingestResults.WithLabelValues(ingestor, result).Inc()
}

func (m *Metrics) CacheFallback(reason string) {
	if m == nil {
		return
	}
	m.cacheFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) CacheWriteFailed() {
	if m == nil {
		return
	}
	m.cacheWriteErrors.Inc()
}

func (m *Metrics) PublishFailed(topic string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(topic).Inc()
}
