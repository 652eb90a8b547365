package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Windlass engine.
type Metrics struct {
	config MetricsConfig

	// Resource lifecycle metrics
	transitions   *prometheus.CounterVec
	applyDuration *prometheus.HistogramVec

	// State store metrics
	storeOps        *prometheus.CounterVec
	storeOpDuration *prometheus.HistogramVec

	// Secret metrics
	secretOps *prometheus.CounterVec

	// Scope metrics
	orphansPruned    prometheus.Counter
	pendingDeletions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given
// configuration. When disabled, every recording method is a no-op.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "windlass"
	}
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}

	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resource_transitions_total",
		Help:      "Resource lifecycle transitions by kind and action.",
	}, []string{"kind", "action"})

	m.applyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "apply_duration_seconds",
		Help:      "Duration of provider handler invocations.",
		Buckets:   buckets,
	}, []string{"kind", "phase"})

	m.storeOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_operations_total",
		Help:      "State store operations by backend and operation.",
	}, []string{"backend", "op"})

	m.storeOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_operation_duration_seconds",
		Help:      "Duration of state store operations.",
		Buckets:   buckets,
	}, []string{"backend", "op"})

	m.secretOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "secret_operations_total",
		Help:      "Secret encryption and decryption operations.",
	}, []string{"op"})

	m.orphansPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphans_pruned_total",
		Help:      "Resources deleted because they were no longer declared.",
	})

	m.pendingDeletions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_deletions",
		Help:      "Replaced resources queued for deferred deletion.",
	})

	collectors := []prometheus.Collector{
		m.transitions,
		m.applyDuration,
		m.storeOps,
		m.storeOpDuration,
		m.secretOps,
		m.orphansPruned,
		m.pendingDeletions,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordTransition records one resource lifecycle transition.
func (m *Metrics) RecordTransition(kind, action string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(kind, action).Inc()
}

// RecordApply records the duration of a provider handler invocation.
func (m *Metrics) RecordApply(kind, phase string, d time.Duration) {
	if m.applyDuration == nil {
		return
	}
	m.applyDuration.WithLabelValues(kind, phase).Observe(d.Seconds())
}

// RecordStoreOp records one state store operation.
func (m *Metrics) RecordStoreOp(backend, op string, d time.Duration) {
	if m.storeOps == nil {
		return
	}
	m.storeOps.WithLabelValues(backend, op).Inc()
	m.storeOpDuration.WithLabelValues(backend, op).Observe(d.Seconds())
}

// RecordSecretOp records one secret encryption or decryption.
func (m *Metrics) RecordSecretOp(op string) {
	if m.secretOps == nil {
		return
	}
	m.secretOps.WithLabelValues(op).Inc()
}

// RecordOrphanPruned records one orphan deletion.
func (m *Metrics) RecordOrphanPruned() {
	if m.orphansPruned == nil {
		return
	}
	m.orphansPruned.Inc()
}

// SetPendingDeletions records the current pending-deletion queue depth.
func (m *Metrics) SetPendingDeletions(n int) {
	if m.pendingDeletions == nil {
		return
	}
	m.pendingDeletions.Set(float64(n))
}

// Handler returns an HTTP handler exposing the metrics registry, or nil
// when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
