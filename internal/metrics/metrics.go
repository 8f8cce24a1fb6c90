// Package metrics exposes the Prometheus collectors shared by the wrapper and api processes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Downstream call metrics
	DownstreamRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_downstream_retries_total",
			Help: "Retries performed against a downstream service by reason",
		},
		[]string{"service", "reason"},
	)

	GateDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genrelay_gate_queue_depth",
			Help: "Requests waiting at the serial request gate",
		},
		[]string{"service"},
	)

	GateWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genrelay_gate_wait_seconds",
			Help:    "Time a request spent queued at the gate before dispatch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"service"},
	)

	PollAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "genrelay_poll_attempts",
			Help:    "Status queries issued before a polled job reached a verdict",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 40, 60},
		},
	)

	// Ledger metrics
	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genrelay_jobs",
			Help: "Jobs held in the ledger by status",
		},
		[]string{"status"},
	)

	JobsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genrelay_jobs_evicted_total",
			Help: "Jobs removed from the ledger by the retention sweep",
		},
	)

	StatusRegressionsIgnored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_status_regressions_ignored_total",
			Help: "Ledger updates dropped because they would move a job backwards",
		},
		[]string{"source"},
	)

	// Event stream metrics
	EventStreamConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "genrelay_event_stream_connected",
			Help: "Whether the engine event stream is connected (1 = connected)",
		},
	)

	EngineQueueRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "genrelay_engine_queue_remaining",
			Help: "Queue size last reported by the engine event stream",
		},
	)

	// Generation route metrics
	Generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_generations_total",
			Help: "Generation requests by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genrelay_generation_duration_seconds",
			Help:    "End-to-end duration of generation requests",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"model"},
	)

	// HTTP metrics
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_http_requests_total",
			Help: "HTTP requests served by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(DownstreamRetries)
	prometheus.MustRegister(GateDepth)
	prometheus.MustRegister(GateWait)
	prometheus.MustRegister(PollAttempts)
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(JobsEvicted)
	prometheus.MustRegister(StatusRegressionsIgnored)
	prometheus.MustRegister(EventStreamConnected)
	prometheus.MustRegister(EngineQueueRemaining)
	prometheus.MustRegister(Generations)
	prometheus.MustRegister(GenerationDuration)
	prometheus.MustRegister(HTTPRequests)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation and reports it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on the given observer.
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
