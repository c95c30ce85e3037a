// Package metrics exposes Prometheus collectors for the buffering agent.
//
// Metrics are opt-in. Until InitRegistry is called NewCollector returns nil,
// and every Collector method is safe to call on a nil receiver, so
// components take a *Collector without checking whether metrics are on.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryMu sync.RWMutex
	registry   *prometheus.Registry
)

// InitRegistry creates a fresh registry with Go runtime and process
// collectors and enables metrics.
func InitRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registryMu.Lock()
	registry = reg
	registryMu.Unlock()
	return reg
}

func IsEnabled() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry != nil
}

func GetRegistry() *prometheus.Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry
}

// Handler serves the registry in the Prometheus text format. It returns a
// 404 handler when metrics are disabled.
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

type Collector struct {
	chunkFetches    *prometheus.CounterVec
	chunkDuration   prometheus.Histogram
	chunkBytes      prometheus.Counter
	chunkRetries    prometheus.Counter
	chunksSkipped   prometheus.Counter
	cacheReads      *prometheus.CounterVec
	cacheReadBytes  prometheus.Counter
	persistFailures prometheus.Counter
	jobs            *prometheus.CounterVec
	activeJobs      prometheus.Gauge
	subscribers     prometheus.Gauge
}

// NewCollector returns nil when metrics are disabled.
func NewCollector() *Collector {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	return NewCollectorWith(reg)
}

func NewCollectorWith(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		chunkFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prebuf_chunk_fetches_total",
			Help: "Chunk fetches by final result",
		}, []string{"result"}), // "ok", "failed"
		chunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "prebuf_chunk_fetch_duration_seconds",
			Help: "Wall time of successful chunk fetches including retries",
			Buckets: []float64{
				0.05, // cached/near origin
				0.1,
				0.25,
				0.5,
				1,
				2.5,
				5,
				10,
				30, // default chunk timeout
			},
		}),
		chunkBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "prebuf_chunk_bytes_total",
			Help: "Bytes received from origins by the range fetcher",
		}),
		chunkRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "prebuf_chunk_retries_total",
			Help: "Chunk fetch attempts beyond the first",
		}),
		chunksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "prebuf_chunks_skipped_total",
			Help: "Planned chunks already covered by cached ranges",
		}),
		cacheReads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prebuf_interceptor_requests_total",
			Help: "Intercepted requests by outcome",
		}, []string{"outcome"}), // "hit", "miss", "passthrough", "error"
		cacheReadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "prebuf_interceptor_hit_bytes_total",
			Help: "Bytes served from the resource cache",
		}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "prebuf_persist_failures_total",
			Help: "Best-effort durable store writes that failed",
		}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prebuf_buffer_jobs_total",
			Help: "Finished buffering jobs by outcome",
		}, []string{"outcome"}), // "complete", "target", "failed", "cancelled"
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prebuf_buffer_jobs_active",
			Help: "Buffering jobs currently running",
		}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prebuf_subscribers",
			Help: "Live progress subscriptions",
		}),
	}
}

func (c *Collector) ObserveChunk(bytes int64, duration time.Duration) {
	if c == nil {
		return
	}
	c.chunkFetches.WithLabelValues("ok").Inc()
	c.chunkDuration.Observe(duration.Seconds())
	c.chunkBytes.Add(float64(bytes))
}

func (c *Collector) ObserveStreamBytes(bytes int64) {
	if c == nil {
		return
	}
	c.chunkBytes.Add(float64(bytes))
}

func (c *Collector) ChunkFailed() {
	if c == nil {
		return
	}
	c.chunkFetches.WithLabelValues("failed").Inc()
}

func (c *Collector) ChunkRetried() {
	if c == nil {
		return
	}
	c.chunkRetries.Inc()
}

func (c *Collector) ChunkSkipped() {
	if c == nil {
		return
	}
	c.chunksSkipped.Inc()
}

func (c *Collector) InterceptorRequest(outcome string, bytes int64) {
	if c == nil {
		return
	}
	c.cacheReads.WithLabelValues(outcome).Inc()
	if outcome == "hit" && bytes > 0 {
		c.cacheReadBytes.Add(float64(bytes))
	}
}

func (c *Collector) PersistFailed() {
	if c == nil {
		return
	}
	c.persistFailures.Inc()
}

func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.activeJobs.Inc()
}

func (c *Collector) JobFinished(outcome string) {
	if c == nil {
		return
	}
	c.activeJobs.Dec()
	c.jobs.WithLabelValues(outcome).Inc()
}

func (c *Collector) SubscriberAdded() {
	if c == nil {
		return
	}
	c.subscribers.Inc()
}

func (c *Collector) SubscriberRemoved() {
	if c == nil {
		return
	}
	c.subscribers.Dec()
}
