// Package metrics holds the Prometheus collectors exported by the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the HTTP and workflow collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	instancesCreated  *prometheus.CounterVec
	decisions         *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	escalations       *prometheus.CounterVec
	scanDuration      prometheus.Histogram
	scanErrors        prometheus.Counter
	notifyDropped     prometheus.Counter
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		instancesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_instances_created_total",
			Help: "Workflow instances created, by outcome (pending or auto_approved).",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_decisions_total",
			Help: "Step decisions accepted, by decision.",
		}, []string{"decision"}),
		instancesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_instances_finished_total",
			Help: "Workflow instances reaching a terminal status.",
		}, []string{"status"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_escalations_total",
			Help: "Step escalations, by reason.",
		}, []string{"reason"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "approval_escalation_scan_duration_seconds",
			Help:    "Duration of escalation scans.",
			Buckets: prometheus.DefBuckets,
		}),
		scanErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_escalation_scan_errors_total",
			Help: "Escalation scans aborted by an error.",
		}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_notifications_dropped_total",
			Help: "Notification requests dropped because the queue was full or publishing failed.",
		}),
	}

	reg.MustRegister(
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.instancesCreated, m.decisions, m.instancesFinished,
		m.escalations, m.scanDuration, m.scanErrors, m.notifyDropped,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) InstanceCreated(outcome string) {
	if m == nil {
		return
	}
	m.instancesCreated.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) InstanceFinished(status string) {
	if m == nil {
		return
	}
	m.instancesFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) Escalated(reason string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveScan(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(d.Seconds())
	if failed {
		m.scanErrors.Inc()
	}
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notifyDropped.Inc()
}

// Instrument records request count, latency and in-flight gauge.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		m.httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
