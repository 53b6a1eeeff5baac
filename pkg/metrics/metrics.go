// Package metrics provides metrics collection capabilities for the application.
//
// All Record* methods are safe to call on a nil *Metrics, so components can be
// built without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors for the application.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	namespace string

	// Common metrics
	RequestCount       *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RequestInFlight    *prometheus.GaugeVec
	ErrorCount         *prometheus.CounterVec
	ServiceUptime      prometheus.Gauge
	ServiceLastStarted prometheus.Gauge
	DependencyUp       *prometheus.GaugeVec

	// Queue metrics
	Enqueued         prometheus.Counter
	StatusUpdates    *prometheus.CounterVec
	Settled          *prometheus.CounterVec
	SettleDuration   *prometheus.HistogramVec
	QueueDepth       prometheus.Gauge
	UnknownStatuses  prometheus.Counter
	DroppedUpdates   *prometheus.CounterVec
	CallbackPanics   *prometheus.CounterVec
	StaleCallbacks   prometheus.Counter
	SubmitRejections *prometheus.CounterVec
	ArchiveErrors    prometheus.Counter
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// Subsystem is the Prometheus subsystem for the common metrics.
	Subsystem string
	// ServiceName is the name of the service that is collecting metrics.
	ServiceName string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "txqueue",
		ServiceName: "txqueue",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry:  registry,
		namespace: cfg.Namespace,

		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_total",
				Help:      "Total number of requests received",
			},
			[]string{"service", "method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method", "path"},
		),

		RequestInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
			[]string{"service"},
		),

		ErrorCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type", "code"},
		),

		ServiceUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   cfg.Namespace,
				Subsystem:   cfg.Subsystem,
				Name:        "service_uptime_seconds",
				Help:        "Service uptime in seconds",
				ConstLabels: prometheus.Labels{"service": cfg.ServiceName},
			},
		),

		ServiceLastStarted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   cfg.Namespace,
				Subsystem:   cfg.Subsystem,
				Name:        "service_last_started_timestamp",
				Help:        "Timestamp when the service was last started",
				ConstLabels: prometheus.Labels{"service": cfg.ServiceName},
			},
		),

		DependencyUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_up",
				Help:      "Whether the dependency is up (1) or down (0)",
			},
			[]string{"service", "dependency"},
		),

		Enqueued: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "enqueued_total",
				Help:      "Total number of transactions enqueued",
			},
		),

		StatusUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "status_updates_total",
				Help:      "Status updates delivered to transaction observers",
			},
			[]string{"status"},
		),

		Settled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "settled_total",
				Help:      "Transactions settled, by outcome and final status",
			},
			[]string{"outcome", "status"},
		),

		SettleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "settle_duration_seconds",
				Help:      "Time from enqueue to settlement",
				Buckets:   []float64{0.1, 0.5, 1, 2, 6, 12, 30, 60, 120},
			},
			[]string{"outcome"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Records currently held by the queue, settled ones included",
			},
		),

		UnknownStatuses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "unknown_statuses_total",
				Help:      "Raw statuses outside the known vocabulary",
			},
		),

		DroppedUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "dropped_updates_total",
				Help:      "Status updates dropped because the transaction was unknown or settled",
			},
			[]string{"reason"},
		),

		CallbackPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "callback_panics_total",
				Help:      "Observer callbacks that panicked",
			},
			[]string{"callback"},
		),

		StaleCallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "submit",
				Name:      "stale_callbacks_total",
				Help:      "Settlement callbacks ignored because their controller moved on",
			},
		),

		SubmitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "submit",
				Name:      "rejections_total",
				Help:      "Submissions rejected before enqueue",
			},
			[]string{"code"},
		),

		ArchiveErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "archive_errors_total",
				Help:      "Settled transactions the archive failed to store",
			},
		),
	}

	m.ServiceLastStarted.Set(float64(time.Now().Unix()))

	return m
}

// Handler returns an HTTP handler for exposing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine that updates the service uptime metric.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	if m == nil {
		return
	}
	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ServiceUptime.Set(time.Since(startTime).Seconds())
			case <-done:
				return
			}
		}
	}()
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(service, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestCount.WithLabelValues(service, method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error metric.
func (m *Metrics) RecordError(service, errorType, errorCode string) {
	if m == nil {
		return
	}
	m.ErrorCount.WithLabelValues(service, errorType, errorCode).Inc()
}

// RecordDependencyStatus records the status of a dependency.
func (m *Metrics) RecordDependencyStatus(service, dependency string, up bool) {
	if m == nil {
		return
	}
	var value float64
	if up {
		value = 1
	}
	m.DependencyUp.WithLabelValues(service, dependency).Set(value)
}

// RecordEnqueued counts an enqueued transaction.
func (m *Metrics) RecordEnqueued() {
	if m == nil {
		return
	}
	m.Enqueued.Inc()
}

// RecordStatusUpdate counts a delivered status update.
func (m *Metrics) RecordStatusUpdate(status string) {
	if m == nil {
		return
	}
	m.StatusUpdates.WithLabelValues(status).Inc()
}

// RecordSettled records a settlement and its latency since enqueue.
func (m *Metrics) RecordSettled(success bool, status string, sinceEnqueue time.Duration) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "success"
	}
	m.Settled.WithLabelValues(outcome, status).Inc()
	m.SettleDuration.WithLabelValues(outcome).Observe(sinceEnqueue.Seconds())
}

// RecordQueueDepth records the number of records held by the queue.
func (m *Metrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordUnknownStatus counts a raw status outside the known vocabulary.
func (m *Metrics) RecordUnknownStatus() {
	if m == nil {
		return
	}
	m.UnknownStatuses.Inc()
}

// RecordDroppedUpdate counts an update the queue did not deliver.
func (m *Metrics) RecordDroppedUpdate(reason string) {
	if m == nil {
		return
	}
	m.DroppedUpdates.WithLabelValues(reason).Inc()
}

// RecordCallbackPanic counts a recovered observer panic.
func (m *Metrics) RecordCallbackPanic(callback string) {
	if m == nil {
		return
	}
	m.CallbackPanics.WithLabelValues(callback).Inc()
}

// RecordStaleCallback counts a settlement ignored by a controller.
func (m *Metrics) RecordStaleCallback() {
	if m == nil {
		return
	}
	m.StaleCallbacks.Inc()
}

// RecordSubmitRejection counts a submission rejected before enqueue.
func (m *Metrics) RecordSubmitRejection(code string) {
	if m == nil {
		return
	}
	m.SubmitRejections.WithLabelValues(code).Inc()
}

// RecordArchiveError counts a failed archive write.
func (m *Metrics) RecordArchiveError() {
	if m == nil {
		return
	}
	m.ArchiveErrors.Inc()
}

// RegisterPoolMetrics exposes the state of a worker pool.
func (m *Metrics) RegisterPoolMetrics(pool string, p pond.Pool) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"pool": pool}

	m.Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   m.namespace,
			Name:        "pool_workers_running",
			Help:        "Number of running worker goroutines",
			ConstLabels: labels,
		},
		func() float64 { return float64(p.RunningWorkers()) },
	))

	m.Registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace:   m.namespace,
			Name:        "pool_tasks_submitted_total",
			Help:        "Number of tasks submitted",
			ConstLabels: labels,
		},
		func() float64 { return float64(p.SubmittedTasks()) },
	))

	m.Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   m.namespace,
			Name:        "pool_tasks_waiting",
			Help:        "Number of tasks currently waiting in the queue",
			ConstLabels: labels,
		},
		func() float64 { return float64(p.WaitingTasks()) },
	))

	m.Registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace:   m.namespace,
			Name:        "pool_tasks_failed_total",
			Help:        "Number of tasks that panicked or returned an error",
			ConstLabels: labels,
		},
		func() float64 { return float64(p.FailedTasks()) },
	))
}
