// Package observability exposes NimbusChain Fetch's Prometheus metrics:
// HTTP request/latency counters for the admission boundary, job lifecycle
// counters, queue-depth and concurrency gauges for the executor, and
// download throughput counters. Metrics are registered once per process
// and served at /metrics via promhttp.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter, gauge, and histogram NimbusChain Fetch
// exposes. Construct exactly one per process with New.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInflight        prometheus.Gauge

	jobsSubmittedTotal *prometheus.CounterVec
	jobsFinishedTotal  *prometheus.CounterVec
	jobQueueDepth      prometheus.Gauge
	jobsRunning        *prometheus.GaugeVec

	providerSlotsInUse *prometheus.GaugeVec
	providerSlotsTotal *prometheus.GaugeVec
	globalSlotsInUse   prometheus.Gauge

	downloadBytesTotal *prometheus.CounterVec
	downloadRetryTotal *prometheus.CounterVec
	checksumDuration   prometheus.Histogram

	sseConnectionsTotal prometheus.Counter
	sseConnectionsOpen  prometheus.Gauge
}

// New constructs a Metrics instance registered against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests served by the admission boundary.",
		}, []string{"method", "route", "status"}),

		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		httpInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "http_requests_inflight",
			Help:      "HTTP requests currently being handled.",
		}),

		jobsSubmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "jobs_submitted_total",
			Help:      "Total jobs accepted by create_job.",
		}, []string{"provider"}),

		jobsFinishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "jobs_finished_total",
			Help:      "Total jobs reaching a terminal state.",
		}, []string{"provider", "state"}),

		jobQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "job_queue_depth",
			Help:      "Jobs currently queued, awaiting a free admission slot.",
		}),

		jobsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "jobs_running",
			Help:      "Jobs currently running, by provider.",
		}, []string{"provider"}),

		providerSlotsInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "provider_slots_in_use",
			Help:      "Per-provider admission slots currently held.",
		}, []string{"provider"}),

		providerSlotsTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "provider_slots_total",
			Help:      "Per-provider admission slot capacity.",
		}, []string{"provider"}),

		globalSlotsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "global_slots_in_use",
			Help:      "Global admission slots currently held, out of max_jobs.",
		}),

		downloadBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "download_bytes_total",
			Help:      "Total bytes downloaded, by provider.",
		}, []string{"provider"}),

		downloadRetryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "download_retry_total",
			Help:      "Total download retry attempts, by provider.",
		}, []string{"provider"}),

		checksumDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "checksum_duration_seconds",
			Help:      "Time to SHA-256 one downloaded file.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),

		sseConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "sse_connections_total",
			Help:      "Total SSE connections opened against /events.",
		}),

		sseConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nimbuschain_fetch",
			Name:      "sse_connections_open",
			Help:      "SSE connections currently open.",
		}),
	}

	return m
}

// Handler returns the promhttp handler serving this Metrics' registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTPRequest(method, route, status string, d time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) IncInflight() { m.httpInflight.Inc() }
func (m *Metrics) DecInflight() { m.httpInflight.Dec() }

func (m *Metrics) ObserveJobSubmitted(provider string) {
	m.jobsSubmittedTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) ObserveJobFinished(provider, state string) {
	m.jobsFinishedTotal.WithLabelValues(provider, state).Inc()
}

func (m *Metrics) SetQueueDepth(n float64) { m.jobQueueDepth.Set(n) }

func (m *Metrics) SetJobsRunning(provider string, n float64) {
	m.jobsRunning.WithLabelValues(provider).Set(n)
}

func (m *Metrics) SetProviderSlots(provider string, inUse, total float64) {
	m.providerSlotsInUse.WithLabelValues(provider).Set(inUse)
	m.providerSlotsTotal.WithLabelValues(provider).Set(total)
}

func (m *Metrics) SetGlobalSlotsInUse(n float64) { m.globalSlotsInUse.Set(n) }

func (m *Metrics) AddDownloadBytes(provider string, n int64) {
	m.downloadBytesTotal.WithLabelValues(provider).Add(float64(n))
}

func (m *Metrics) IncDownloadRetry(provider string) {
	m.downloadRetryTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) ObserveChecksumDuration(d time.Duration) {
	m.checksumDuration.Observe(d.Seconds())
}

func (m *Metrics) IncSSEConnectionOpened() {
	m.sseConnectionsTotal.Inc()
	m.sseConnectionsOpen.Inc()
}

func (m *Metrics) DecSSEConnectionClosed() { m.sseConnectionsOpen.Dec() }
