// Package metrics exposes the harness's own self-observability surface: how
// many requests it dispatched, dropped and completed, and how long stages
// and scrapes took. This is distinct from the metrics pkg/promscrape pulls
// from the target model server — those never touch this registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every self-observability collector behind one registry.
// A harness run constructs exactly one Metrics and threads it to every
// component that needs to record something, rather than reaching for
// package-level globals.
type Metrics struct {
	registry *prometheus.Registry

	DispatchTotal     *prometheus.CounterVec
	DispatchDropped   *prometheus.CounterVec
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	WorkerInFlight    *prometheus.GaugeVec
	StageDuration     *prometheus.HistogramVec
	ScrapeTotal       *prometheus.CounterVec
	ScrapeDuration    prometheus.Histogram
	SessionQueueDepth *prometheus.GaugeVec
	ReportWriteErrors prometheus.Counter
}

// New builds a Metrics bundle registered against a fresh, private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "benchctl_dispatch_total",
				Help: "Total number of requests handed to a worker, by stage.",
			},
			[]string{"stage"},
		),
		DispatchDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "benchctl_dispatch_dropped_total",
				Help: "Total number of requests dropped before dispatch, by stage and reason.",
			},
			[]string{"stage", "reason"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "benchctl_requests_total",
				Help: "Total number of completed requests, by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "benchctl_request_duration_seconds",
				Help:    "Request end-to-end latency in seconds, by stage.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		WorkerInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "benchctl_worker_in_flight",
				Help: "Number of requests currently in flight on a worker.",
			},
			[]string{"worker_id"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "benchctl_stage_duration_seconds",
				Help:    "Observed wall-clock duration of a completed stage.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"stage"},
		),
		ScrapeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "benchctl_scrape_total",
				Help: "Total number of Prometheus scrape attempts, by target and result.",
			},
			[]string{"target", "result"},
		),
		ScrapeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "benchctl_scrape_duration_seconds",
				Help:    "Duration of a Prometheus scrape round in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		SessionQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "benchctl_session_queue_depth",
				Help: "Number of descriptors waiting on a session's FIFO slot.",
			},
			[]string{"session_id"},
		),
		ReportWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "benchctl_report_write_errors_total",
				Help: "Total number of failed report artifact writes.",
			},
		),
	}

	reg.MustRegister(
		m.DispatchTotal,
		m.DispatchDropped,
		m.RequestsTotal,
		m.RequestDuration,
		m.WorkerInFlight,
		m.StageDuration,
		m.ScrapeTotal,
		m.ScrapeDuration,
		m.SessionQueueDepth,
		m.ReportWriteErrors,
	)

	return m
}

// Handler returns the HTTP handler serving this bundle's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer started now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
