package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registry
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers the standard coordination service metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	p.counters[MetricLockAcquired] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Total number of successful lock acquisitions",
		},
		[]string{"repo", "branch"},
	)

	p.counters[MetricLockFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "lock",
			Name:      "failed_total",
			Help:      "Total number of lock acquisition conflicts",
		},
		[]string{"repo", "branch"},
	)

	p.counters[MetricLockOrphaned] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "lock",
			Name:      "orphaned_total",
			Help:      "Locks removed by LockManager.CleanupOrphanedLocks",
		},
		[]string{"key"},
	)

	p.gauges[MetricLockActive] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coordination",
			Subsystem: "lock",
			Name:      "active",
			Help:      "Number of currently held locks",
		},
		[]string{},
	)

	p.histograms[MetricLockDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coordination",
			Subsystem: "lock",
			Name:      "duration_seconds",
			Help:      "Time a lock was held before release or expiry",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"repo", "branch"},
	)

	p.counters[MetricGraphBuildSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "graph",
			Name:      "build_success_total",
			Help:      "Successful dependency graph regenerations",
		},
		[]string{"repo", "branch"},
	)

	p.counters[MetricGraphBuildError] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "graph",
			Name:      "build_error_total",
			Help:      "Failed dependency graph regenerations",
		},
		[]string{"repo", "branch", "reason"},
	)

	p.histograms[MetricGraphBuildDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coordination",
			Subsystem: "graph",
			Name:      "build_duration_seconds",
			Help:      "Time spent rebuilding the dependency graph",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"repo", "branch"},
	)

	p.counters[MetricGraphCacheHits] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "graph",
			Name:      "cache_hits_total",
			Help:      "Branch HEAD lookups served from the in-process head cache",
		},
		[]string{"repo", "branch"},
	)

	p.counters[MetricGraphRateLimited] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "graph",
			Name:      "rate_limited_total",
			Help:      "Graph builds that hit the git forge's rate limit",
		},
		[]string{"repo", "branch"},
	)

	p.gauges[MetricGraphEdgesTotal] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coordination",
			Subsystem: "graph",
			Name:      "edges",
			Help:      "Number of import edges in the last built graph",
		},
		[]string{"repo", "branch"},
	)

	p.counters[MetricOrchestrationDecision] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "orchestration",
			Name:      "decisions_total",
			Help:      "Orchestration commands returned by post_status",
		},
		[]string{"decision"},
	)

	p.counters[MetricContentCacheHits] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "content",
			Name:      "cache_hits_total",
			Help:      "Content cache hits during graph rebuilds",
		},
		[]string{"repo"},
	)

	p.counters[MetricContentCacheMisses] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "content",
			Name:      "cache_misses_total",
			Help:      "Content cache misses requiring a remote fetch",
		},
		[]string{"repo"},
	)

	p.counters[MetricContentOverflow] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "content",
			Name:      "overflow_total",
			Help:      "Content entries spilled to the backend overflow tier",
		},
		[]string{"repo"},
	)

	p.counters[MetricRemoteRequests] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Requests issued to the Git forge API",
		},
		[]string{"operation"},
	)

	p.counters[MetricRemoteErrors] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "remote",
			Name:      "errors_total",
			Help:      "Errors returned by the Git forge API",
		},
		[]string{"operation"},
	)

	p.histograms[MetricRemoteLatency] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coordination",
			Subsystem: "remote",
			Name:      "latency_seconds",
			Help:      "Git forge API call latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	p.counters[MetricSweepRuns] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordination",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Stale-lock sweeper passes completed",
		},
		[]string{},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	counter, ok := p.counters[name]
	if !ok {
		// Create dynamic counter if it doesn't exist
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coordination",
				Name:      name,
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}

	labels := p.extractLabelValues(tags)
	counter.With(labels).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	gauge, ok := p.gauges[name]
	if !ok {
		// Create dynamic gauge if it doesn't exist
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "coordination",
				Name:      name,
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}

	labels := p.extractLabelValues(tags)
	gauge.With(labels).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	histogram, ok := p.histograms[name]
	if !ok {
		// Create dynamic histogram if it doesn't exist
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "coordination",
				Name:      name,
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}

	labels := p.extractLabelValues(tags)
	histogram.With(labels).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		if i < len(tags) {
			labels = append(labels, tags[i])
		}
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return prometheus.Labels{}
	}

	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
