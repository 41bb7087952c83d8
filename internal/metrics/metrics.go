// Package metrics holds the prometheus collectors shared by the cache, the write buffer,
// the job runner and the worker loops.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "watchsync"

// Metrics is the set of collectors registered for one process.
type Metrics struct {
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheWrites      prometheus.Counter
	BufferedWrites   prometheus.Counter
	BufferCollisions prometheus.Counter
	BufferFallbacks  prometheus.Counter
	DurableWrites    prometheus.Counter
	FlushUploads     prometheus.Counter
	FlushGaps        prometheus.Counter
	FlushRequeued    prometheus.Counter
	JobsEnqueued     prometheus.Counter
	JobsRun          prometheus.Counter
	JobsFailed       prometheus.Counter
	JobListSize      prometheus.Gauge
	WorkerErrors     *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		CacheHits:        counter("cache_hits_total", "Reads served by the fast store."),
		CacheMisses:      counter("cache_misses_total", "Reads that fell through to the durable store."),
		CacheWrites:      counter("cache_writes_total", "Writes to the fast store."),
		BufferedWrites:   counter("buffered_writes_total", "Keys newly scheduled on the deferred write buffer."),
		BufferCollisions: counter("buffer_collisions_total", "Lost compare-and-swap attempts while scheduling a key."),
		BufferFallbacks:  counter("buffer_fallbacks_total", "Writes that gave up buffering and went straight to the durable store."),
		DurableWrites:    counter("durable_writes_total", "Puts to the durable store."),
		FlushUploads:     counter("flush_uploads_total", "Keys uploaded by buffer flushes."),
		FlushGaps:        counter("flush_gaps_total", "Scheduled keys that were missing from the fast store at flush time."),
		FlushRequeued:    counter("flush_requeued_total", "Keys pushed back onto the buffer after a failed upload."),
		JobsEnqueued:     counter("jobs_enqueued_total", "Jobs accepted onto the job queue."),
		JobsRun:          counter("jobs_run_total", "Jobs popped and executed."),
		JobsFailed:       counter("jobs_failed_total", "Jobs that stopped on a failing step."),
		JobListSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_list_size",
			Help:      "Entries kept in the job list after the last compaction.",
		}),
		WorkerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_errors_total",
			Help:      "Errors and panics recovered by worker loops.",
		}, []string{"loop"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status.",
		}, []string{"route", "status"}),
	}
}

// NewRegistry returns a registry preloaded with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes the registry in the prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Value reads the current value of a counter or gauge. It returns 0 if the collector cannot
// be read.
func Value(c prometheus.Metric) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}
