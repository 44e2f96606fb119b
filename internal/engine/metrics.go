package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting engine activity.
type Metrics struct {
	nodeDuration  *prometheus.HistogramVec
	nodeFailures  *prometheus.CounterVec
	nodeRetries   *prometheus.CounterVec
	runsActive    prometheus.Gauge
	eventsDropped prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered
// with the global Prometheus registry. Created once to avoid duplicate
// registration panics when multiple engines exist in one process.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance on the given registerer.
// Pass a fresh registry in tests. Registration errors other than
// AlreadyRegistered panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	nodeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "engine",
			Name:      "node_duration_seconds",
			Help:      "Wall time per node execution, labelled by kind and terminal status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)
	nodeFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "engine",
			Name:      "node_failures_total",
			Help:      "Nodes that finished unsuccessfully, labelled by kind and error kind.",
		},
		[]string{"kind", "error_kind"},
	)
	nodeRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "engine",
			Name:      "node_retries_total",
			Help:      "Node attempts beyond the first.",
		},
		[]string{"kind"},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "engine",
			Name:      "runs_active",
			Help:      "Runs currently executing.",
		},
	)
	eventsDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "engine",
			Name:      "events_dropped_total",
			Help:      "Events discarded by overflowing run event streams.",
		},
	)

	collectors := []prometheus.Collector{nodeDuration, nodeFailures, nodeRetries, runsActive, eventsDropped}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					nodeDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target {
					case nodeFailures:
						nodeFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case nodeRetries:
						nodeRetries = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					runsActive = already.ExistingCollector.(prometheus.Gauge)
				case prometheus.Counter:
					eventsDropped = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		nodeDuration:  nodeDuration,
		nodeFailures:  nodeFailures,
		nodeRetries:   nodeRetries,
		runsActive:    runsActive,
		eventsDropped: eventsDropped,
	}
}

// ObserveNode records one node's terminal status and duration.
func (m *Metrics) ObserveNode(kind, status string, duration time.Duration) {
	if m == nil || m.nodeDuration == nil {
		return
	}
	m.nodeDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

// IncNodeFailure counts an unsuccessful node.
func (m *Metrics) IncNodeFailure(kind, errorKind string) {
	if m == nil || m.nodeFailures == nil {
		return
	}
	m.nodeFailures.WithLabelValues(kind, errorKind).Inc()
}

// IncNodeRetry counts a retry attempt.
func (m *Metrics) IncNodeRetry(kind string) {
	if m == nil || m.nodeRetries == nil {
		return
	}
	m.nodeRetries.WithLabelValues(kind).Inc()
}

// IncActiveRuns marks a run as started.
func (m *Metrics) IncActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Inc()
}

// DecActiveRuns marks a run as finished.
func (m *Metrics) DecActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Dec()
}

// AddDroppedEvents accounts events a run's stream discarded.
func (m *Metrics) AddDroppedEvents(n uint64) {
	if m == nil || m.eventsDropped == nil || n == 0 {
		return
	}
	m.eventsDropped.Add(float64(n))
}
