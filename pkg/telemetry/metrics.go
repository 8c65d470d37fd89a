package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the provisioner engine.
// All methods are safe to call on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Dispatch metrics
	dispatches       *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	timeouts         *prometheus.CounterVec
	lateResponses    prometheus.Counter
	dispatchLatency  *prometheus.HistogramVec

	// State machine metrics
	transitions *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec

	// History metrics
	snapshotSaves   *prometheus.CounterVec
	snapshotDeletes *prometheus.CounterVec

	// Worker metrics
	workerCommands *prometheus.CounterVec
	queueDepth     prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of requests handed to the worker pool",
			},
			[]string{"kind", "command"},
		),
		dispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_failures_total",
				Help:      "Total number of requests the worker pool refused",
			},
			[]string{"kind"},
		),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_timeouts_total",
				Help:      "Total number of requests that received no response in time",
			},
			[]string{"kind"},
		),
		lateResponses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "late_responses_total",
				Help:      "Total number of worker responses discarded as late or duplicate",
			},
		),
		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time from dispatch to resolution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of state machine transitions",
			},
			[]string{"from", "to"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollback decisions by action",
			},
			[]string{"action"},
		),

		snapshotSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_saves_total",
				Help:      "Total number of snapshot saves",
			},
			[]string{"success"},
		),
		snapshotDeletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_deletes_total",
				Help:      "Total number of snapshot rows deleted by key shape",
			},
			[]string{"key_shape"},
		),

		workerCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_commands_total",
				Help:      "Total number of tool commands run by workers",
			},
			[]string{"tool", "status"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of requests waiting in the worker queue",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.dispatches,
		m.dispatchFailures,
		m.timeouts,
		m.lateResponses,
		m.dispatchLatency,
		m.transitions,
		m.rollbacks,
		m.snapshotSaves,
		m.snapshotDeletes,
		m.workerCommands,
		m.queueDepth,
		m.errorsByClass,
		m.errorsByCode,
		m.httpRequests,
		m.httpDuration,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Dispatch Metrics

// RecordDispatch counts a request handed to the worker pool.
func (m *Metrics) RecordDispatch(kind, command string) {
	if !m.enabled() {
		return
	}
	m.dispatches.WithLabelValues(kind, command).Inc()
}

// RecordDispatchFailure counts a request the worker pool refused.
func (m *Metrics) RecordDispatchFailure(kind string) {
	if !m.enabled() {
		return
	}
	m.dispatchFailures.WithLabelValues(kind).Inc()
}

// RecordTimeout counts a synthesised timeout.
func (m *Metrics) RecordTimeout(kind string) {
	if !m.enabled() {
		return
	}
	m.timeouts.WithLabelValues(kind).Inc()
}

// RecordLateResponse counts a discarded late or duplicate response.
func (m *Metrics) RecordLateResponse() {
	if !m.enabled() {
		return
	}
	m.lateResponses.Inc()
}

// ObserveDispatchLatency records the time from dispatch to resolution.
func (m *Metrics) ObserveDispatchLatency(kind string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.dispatchLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// State Machine Metrics

// RecordTransition counts a state machine transition.
func (m *Metrics) RecordTransition(from, to string) {
	if !m.enabled() {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordRollback counts a rollback decision.
func (m *Metrics) RecordRollback(action string) {
	if !m.enabled() {
		return
	}
	m.rollbacks.WithLabelValues(action).Inc()
}

// History Metrics

// RecordSnapshotSave counts a snapshot save attempt.
func (m *Metrics) RecordSnapshotSave(success bool) {
	if !m.enabled() {
		return
	}
	m.snapshotSaves.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordSnapshotDelete adds deleted rows under a key shape.
func (m *Metrics) RecordSnapshotDelete(keyShape string, rows int64) {
	if !m.enabled() {
		return
	}
	m.snapshotDeletes.WithLabelValues(keyShape).Add(float64(rows))
}

// Worker Metrics

// RecordWorkerCommand counts a tool invocation in a worker.
func (m *Metrics) RecordWorkerCommand(tool, status string) {
	if !m.enabled() {
		return
	}
	m.workerCommands.WithLabelValues(tool, status).Inc()
}

// SetQueueDepth sets the current worker queue depth.
func (m *Metrics) SetQueueDepth(depth float64) {
	if !m.enabled() {
		return
	}
	m.queueDepth.Set(depth)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// ObserveHTTPRequest records one API request. Route is the matched pattern,
// not the raw path.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
