// Package metrics exposes Prometheus instrumentation for the HTTP surface,
// the transcode queue, and the encoding pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a Prometheus registry and the collectors the service writes
// to. Packages that do not need an isolated registry use Default.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	transcodeRuns  *prometheus.CounterVec
	encodeDuration *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	activeWorkers  prometheus.Gauge
	uploadBytes    prometheus.Counter
	reapedEntries  prometheus.Counter
}

var defaultRecorder = New()

// New constructs a Recorder with its own registry so tests and embedded uses
// never collide on collector registration.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vodforge_http_requests_total",
			Help: "HTTP requests processed by the API.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vodforge_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		transcodeRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vodforge_transcode_runs_total",
			Help: "Transcode pipeline runs by outcome.",
		}, []string{"outcome"}),
		encodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vodforge_encode_duration_seconds",
			Help:    "Wall-clock time spent encoding one rendition tier.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"tier"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vodforge_queue_depth",
			Help: "Transcode queue entries by status.",
		}, []string{"status"}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vodforge_active_workers",
			Help: "Workers currently running a pipeline.",
		}),
		uploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "vodforge_upload_bytes_total",
			Help: "Bytes accepted through the upload endpoint.",
		}),
		reapedEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "vodforge_reaped_entries_total",
			Help: "Stale queue entries failed by the reaper.",
		}),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates count and latency for one HTTP request. Paths
// are normalised so per-asset URLs share a label.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	normalized := normalizePath(path)
	r.httpRequests.WithLabelValues(strings.ToUpper(method), normalized, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(strings.ToUpper(method), normalized).Observe(duration.Seconds())
}

// RunStarted marks a worker busy.
func (r *Recorder) RunStarted() {
	r.activeWorkers.Inc()
}

// RunFinished records the outcome of a pipeline run and frees the worker
// gauge. Outcomes are "completed", "failed", "retried", or "reaped".
func (r *Recorder) RunFinished(outcome string) {
	r.activeWorkers.Dec()
	r.transcodeRuns.WithLabelValues(normalizeName(outcome)).Inc()
}

// ObserveEncode records how long one rendition tier took to encode.
func (r *Recorder) ObserveEncode(tier string, duration time.Duration) {
	r.encodeDuration.WithLabelValues(normalizeName(tier)).Observe(duration.Seconds())
}

// SetQueueDepth publishes the current queue gauge split by status.
func (r *Recorder) SetQueueDepth(queued, processing int) {
	r.queueDepth.WithLabelValues("queued").Set(float64(queued))
	r.queueDepth.WithLabelValues("processing").Set(float64(processing))
}

// ObserveUpload accumulates accepted upload bytes.
func (r *Recorder) ObserveUpload(sizeBytes int64) {
	if sizeBytes > 0 {
		r.uploadBytes.Add(float64(sizeBytes))
	}
}

// EntriesReaped counts queue entries failed by the stale-entry reaper.
func (r *Recorder) EntriesReaped(count int) {
	if count > 0 {
		r.reapedEntries.Add(float64(count))
	}
}

// Registry exposes the underlying registry for test assertions.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the recorder's registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

// ObserveRequest records on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 && strings.ContainsAny(segment, "0123456789") {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
