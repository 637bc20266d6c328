package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lmbridge_build_info",
			Help: "Build information",
		},
		[]string{"component", "version", "sha", "date"},
	)

	connectedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lmbridge_connected_workers",
			Help: "Number of authenticated worker connections",
		},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmbridge_requests_total",
			Help: "Proxied requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lmbridge_request_duration_seconds",
			Help:    "Request duration from dispatch to terminal outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	streamChunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lmbridge_stream_chunks_total",
			Help: "Stream chunks relayed to HTTP clients",
		},
	)

	workerReplacements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lmbridge_worker_replacements_total",
			Help: "Worker connections closed because a new one took over the client id",
		},
	)

	workerJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmbridge_worker_jobs_total",
			Help: "Jobs handled by this worker by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

// Register registers all collectors with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, connectedWorkers, requests, requestDuration, streamChunks, workerReplacements, workerJobs)
}

// SetBuildInfo sets the build info metric for a component.
func SetBuildInfo(component, version, sha, date string) {
	buildInfo.WithLabelValues(component, version, sha, date).Set(1)
}

// SetConnectedWorkers updates the connected workers gauge.
func SetConnectedWorkers(n int) {
	connectedWorkers.Set(float64(n))
}

// RecordRequest increments the request counter.
func RecordRequest(kind string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	requests.WithLabelValues(kind, outcome).Inc()
}

// ObserveRequestDuration records the duration of a request.
func ObserveRequestDuration(kind string, d time.Duration) {
	requestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordStreamChunk counts one relayed chunk.
func RecordStreamChunk() {
	streamChunks.Inc()
}

// RecordWorkerReplacement counts a replaced worker connection.
func RecordWorkerReplacement() {
	workerReplacements.Inc()
}

// RecordWorkerJob increments the worker-side job counter.
func RecordWorkerJob(kind string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	workerJobs.WithLabelValues(kind, outcome).Inc()
}
