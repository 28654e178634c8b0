package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the development cycle.
// All Record and Set methods are safe to call on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Build metrics
	buildsCompleted *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec
	compiling       *prometheus.GaugeVec

	// Process metrics
	processStarts *prometheus.CounterVec
	processExits  *prometheus.CounterVec

	// Vendor cache metrics
	vendorRebuilds *prometheus.CounterVec
	vendorHits     *prometheus.CounterVec

	// Serving metrics
	httpRequests      *prometheus.CounterVec
	liveReloadClients *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Orchestration metrics
	cycles        prometheus.Counter
	activeBundles prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		buildsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_completed_total",
				Help:      "Total number of completed builds",
			},
			[]string{"bundle", "status"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Duration of builds in seconds",
				Buckets:   buckets,
			},
			[]string{"bundle"},
		),
		compiling: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "compiling",
				Help:      "Whether a bundle has a build in flight (1) or not (0)",
			},
			[]string{"bundle"},
		),

		processStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_starts_total",
				Help:      "Total number of runtime bundle process starts",
			},
			[]string{"bundle"},
		),
		processExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_exits_total",
				Help:      "Total number of runtime bundle process exits",
			},
			[]string{"bundle", "expected"},
		),

		vendorRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vendor_rebuilds_total",
				Help:      "Total number of vendor bundle rebuilds",
			},
			[]string{"cache", "status"},
		),
		vendorHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vendor_cache_hits_total",
				Help:      "Total number of vendor cache freshness checks that skipped a rebuild",
			},
			[]string{"cache"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of requests served by development servers",
			},
			[]string{"bundle", "code"},
		),
		liveReloadClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_reload_clients",
				Help:      "Current number of connected live reload clients",
			},
			[]string{"bundle"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		cycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orchestration_cycles_total",
				Help:      "Total number of orchestration cycles started",
			},
		),
		activeBundles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_bundles",
				Help:      "Current number of dispatched bundles",
			},
		),
	}

	registry.MustRegister(
		m.buildsCompleted,
		m.buildDuration,
		m.compiling,
		m.processStarts,
		m.processExits,
		m.vendorRebuilds,
		m.vendorHits,
		m.httpRequests,
		m.liveReloadClients,
		m.errorsByClass,
		m.cycles,
		m.activeBundles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Build Metrics

// RecordBuildStarted marks a bundle as compiling.
func (m *Metrics) RecordBuildStarted(bundle string) {
	if !m.enabled() {
		return
	}
	m.compiling.WithLabelValues(bundle).Set(1)
}

// RecordBuildCompleted records a finished build with its outcome and duration.
func (m *Metrics) RecordBuildCompleted(bundle string, failed bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	status := "success"
	if failed {
		status = "failure"
	}
	m.compiling.WithLabelValues(bundle).Set(0)
	m.buildsCompleted.WithLabelValues(bundle, status).Inc()
	m.buildDuration.WithLabelValues(bundle).Observe(duration.Seconds())
}

// Process Metrics

// RecordProcessStart records a runtime bundle process start.
func (m *Metrics) RecordProcessStart(bundle string) {
	if !m.enabled() {
		return
	}
	m.processStarts.WithLabelValues(bundle).Inc()
}

// RecordProcessExit records a runtime bundle process exit.
func (m *Metrics) RecordProcessExit(bundle string, expected bool) {
	if !m.enabled() {
		return
	}
	m.processExits.WithLabelValues(bundle, strconv.FormatBool(expected)).Inc()
}

// Vendor Cache Metrics

// RecordVendorRebuild records a vendor bundle rebuild.
func (m *Metrics) RecordVendorRebuild(cache string, err error) {
	if !m.enabled() {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.vendorRebuilds.WithLabelValues(cache, status).Inc()
}

// RecordVendorHit records a vendor cache check that skipped the rebuild.
func (m *Metrics) RecordVendorHit(cache string) {
	if !m.enabled() {
		return
	}
	m.vendorHits.WithLabelValues(cache).Inc()
}

// Serving Metrics

// RecordRequest records a request served by a development server.
func (m *Metrics) RecordRequest(bundle string, code int) {
	if !m.enabled() {
		return
	}
	m.httpRequests.WithLabelValues(bundle, strconv.Itoa(code)).Inc()
}

// AddLiveReloadClients adjusts the number of connected live reload clients.
func (m *Metrics) AddLiveReloadClients(bundle string, delta float64) {
	if !m.enabled() {
		return
	}
	m.liveReloadClients.WithLabelValues(bundle).Add(delta)
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Orchestration Metrics

// RecordCycleStarted records the start of an orchestration cycle.
func (m *Metrics) RecordCycleStarted() {
	if !m.enabled() {
		return
	}
	m.cycles.Inc()
}

// SetActiveBundles sets the current number of dispatched bundles.
func (m *Metrics) SetActiveBundles(count float64) {
	if !m.enabled() {
		return
	}
	m.activeBundles.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
