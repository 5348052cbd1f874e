// Package metrics exposes Prometheus collectors for the fetch service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	accessDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_access_decisions_total",
			Help: "Admission decisions made by the access governor, labeled by code.",
		},
		[]string{"code"},
	)

	accessBansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_access_bans_total",
			Help: "Client bans issued, labeled by the window that triggered them.",
		},
		[]string{"code"},
	)

	accessBannedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetcher_access_banned_clients",
			Help: "Ban records currently held by the access governor.",
		},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_jobs_total",
			Help: "Total number of jobs finished, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetcher_active_workers",
			Help: "Number of workers currently running a job.",
		},
	)

	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_items_total",
			Help: "Item fetches attempted, labeled by result.",
		},
		[]string{"result"},
	)

	itemBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fetcher_item_bytes_total",
			Help: "Bytes written by successful item fetches.",
		},
	)

	pacingDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fetcher_pacing_delay_seconds",
			Help:    "Histogram of politeness waits between item fetches.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	cleanupDeletedFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_cleanup_deleted_files_total",
			Help: "Files deleted by the storage governor, labeled by phase.",
		},
		[]string{"phase"},
	)

	cleanupFreedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_cleanup_freed_bytes_total",
			Help: "Bytes reclaimed by the storage governor, labeled by phase.",
		},
		[]string{"phase"},
	)

	storageUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetcher_storage_used_bytes",
			Help: "Bytes used under the storage root at the last scan.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAccessDecision counts one admission decision.
func ObserveAccessDecision(code string) {
	accessDecisionsTotal.WithLabelValues(code).Inc()
}

// ObserveBan counts one ban, labeled by the triggering window.
func ObserveBan(code string) {
	accessBansTotal.WithLabelValues(code).Inc()
}

// SetBannedClients records the ban map size.
func SetBannedClients(n int) {
	accessBannedClients.Set(float64(n))
}

// ObserveJob increments the job counter for a finished job.
func ObserveJob(kind, status string) {
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveItem records one item fetch and, on success, its size.
func ObserveItem(success bool, bytesWritten int64) {
	if !success {
		itemsTotal.WithLabelValues("failed").Inc()
		return
	}
	itemsTotal.WithLabelValues("success").Inc()
	if bytesWritten > 0 {
		itemBytesTotal.Add(float64(bytesWritten))
	}
}

// ObservePacingDelay records the duration of a politeness wait.
func ObservePacingDelay(d time.Duration) {
	pacingDelaySeconds.Observe(d.Seconds())
}

// ObserveCleanup records the outcome of one cleanup phase.
func ObserveCleanup(phase string, deleted int, freedBytes int64) {
	if deleted > 0 {
		cleanupDeletedFilesTotal.WithLabelValues(phase).Add(float64(deleted))
	}
	if freedBytes > 0 {
		cleanupFreedBytesTotal.WithLabelValues(phase).Add(float64(freedBytes))
	}
}

// SetStorageUsage records the latest usage scan.
func SetStorageUsage(bytes int64) {
	storageUsedBytes.Set(float64(bytes))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
