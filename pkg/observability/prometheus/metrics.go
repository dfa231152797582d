package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "datacore"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics. Every method is safe on a nil *Metrics,
// so components take an optional *Metrics without nil checks.
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Worker request metrics (host side)
	WorkerRequestsTotal   *prometheus.CounterVec
	WorkerRequestDuration *prometheus.HistogramVec
	WorkerInFlight        prometheus.Gauge

	// Supervisor metrics
	WorkerRestartsTotal      *prometheus.CounterVec
	HealthCheckFailuresTotal prometheus.Counter
	WorkerState              *prometheus.GaugeVec

	// Notifications from the worker
	IngestedRecordsTotal prometheus.Counter
	PollingErrorsTotal   prometheus.Counter

	registerer prometheus.Registerer

	// Custom metrics registry
	CustomCounters map[string]*prometheus.CounterVec
	CustomGauges   map[string]*prometheus.GaugeVec
	customMu       sync.RWMutex
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a new metrics collection
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	f := promauto.With(registerer)

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacore_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datacore_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		WorkerRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacore_worker_requests_total",
				Help: "Requests submitted to the worker process",
			},
			[]string{"kind", "outcome"}, // outcome: ok, error, timeout, unavailable
		),
		WorkerRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datacore_worker_request_duration_seconds",
				Help:    "Round trip time of worker requests in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),
		WorkerInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "datacore_worker_requests_in_flight",
				Help: "Requests awaiting a worker response",
			},
		),

		WorkerRestartsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacore_worker_restarts_total",
				Help: "Worker restarts by reason",
			},
			[]string{"reason"}, // crash, unresponsive, forward_failure
		),
		HealthCheckFailuresTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "datacore_worker_health_check_failures_total",
				Help: "Health checks that got no pong in time",
			},
		),
		WorkerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "datacore_worker_state",
				Help: "1 for the current worker lifecycle state, 0 otherwise",
			},
			[]string{"state"},
		),

		IngestedRecordsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "datacore_ingested_records_total",
				Help: "Records ingested by the poller, as announced by new-data-available",
			},
		),
		PollingErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "datacore_polling_errors_total",
				Help: "polling-error notifications received from the worker",
			},
		),

		registerer:     registerer,
		CustomCounters: make(map[string]*prometheus.CounterVec),
		CustomGauges:   make(map[string]*prometheus.GaugeVec),
	}
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWorkerRequest records the outcome of one submitted request
func (m *Metrics) RecordWorkerRequest(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkerRequestsTotal.WithLabelValues(kind, outcome).Inc()
	m.WorkerRequestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetInFlight sets the number of pending worker requests
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.WorkerInFlight.Set(float64(n))
}

// RecordRestart counts a worker restart
func (m *Metrics) RecordRestart(reason string) {
	if m == nil {
		return
	}
	m.WorkerRestartsTotal.WithLabelValues(reason).Inc()
}

// RecordHealthCheckFailure counts a missed pong
func (m *Metrics) RecordHealthCheckFailure() {
	if m == nil {
		return
	}
	m.HealthCheckFailuresTotal.Inc()
}

// SetWorkerState marks state as current among states
func (m *Metrics) SetWorkerState(current string, states ...string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		m.WorkerState.WithLabelValues(s).Set(v)
	}
}

// RecordIngested adds count ingested records
func (m *Metrics) RecordIngested(count int) {
	if m == nil {
		return
	}
	m.IngestedRecordsTotal.Add(float64(count))
}

// RecordPollingError counts a polling-error notification
func (m *Metrics) RecordPollingError() {
	if m == nil {
		return
	}
	m.PollingErrorsTotal.Inc()
}

// Counter creates or returns a custom counter metric
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	m.customMu.RLock()
	if counter, exists := m.CustomCounters[name]; exists {
		m.customMu.RUnlock()
		return counter
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := m.CustomCounters[name]; exists {
		return counter
	}

	counter := promauto.With(m.registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomCounters[name] = counter
	return counter
}

// Gauge creates or returns a custom gauge metric
func (m *Metrics) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	m.customMu.RLock()
	if gauge, exists := m.CustomGauges[name]; exists {
		m.customMu.RUnlock()
		return gauge
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	if gauge, exists := m.CustomGauges[name]; exists {
		return gauge
	}

	gauge := promauto.With(m.registerer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomGauges[name] = gauge
	return gauge
}
