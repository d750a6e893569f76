// Package metrics exposes the coordinator's prometheus instrumentation.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the prometheus registry and the coordinator metrics.
type Collector struct {
	registry *prometheus.Registry

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	Evictions      prometheus.Gauge // synced from the store's monotonic tally
	StoreBytes     prometheus.Gauge
	StoreEntries   prometheus.Gauge
	Builds         *prometheus.CounterVec // label: kind ∈ {local, remote, direct}
	BuildFailures  *prometheus.CounterVec // label: kind
	RemoteFallback prometheus.Counter
	Collapsed      prometheus.Counter // follower requests folded into a leader build
	QueueDepth     prometheus.Gauge
	RequestSeconds *prometheus.HistogramVec // label: outcome ∈ {hit, built, failed}

	server *http.Server
}

// NewCollector creates and registers the coordinator metrics.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "farmcc", Name: "cache_hits_total",
		Help: "Artifact store lookups that returned a cached object.",
	})
	c.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "farmcc", Name: "cache_misses_total",
		Help: "Artifact store lookups that missed.",
	})
	c.Evictions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmcc", Name: "cache_evictions_total",
		Help: "Artifacts evicted to fit the byte budget.",
	})
	c.StoreBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmcc", Name: "store_bytes",
		Help: "Bytes currently occupied by the artifact store.",
	})
	c.StoreEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmcc", Name: "store_entries",
		Help: "Entries currently present in the artifact store.",
	})
	c.Builds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmcc", Name: "builds_total",
		Help: "Compilations executed, by build kind.",
	}, []string{"kind"})
	c.BuildFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmcc", Name: "build_failures_total",
		Help: "Compilations that ended in a compiler error, by build kind.",
	}, []string{"kind"})
	c.RemoteFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "farmcc", Name: "remote_fallbacks_total",
		Help: "Remote dispatches that fell back to a local build.",
	})
	c.Collapsed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "farmcc", Name: "inflight_collapsed_total",
		Help: "Requests served by another request's in-flight build.",
	})
	c.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmcc", Name: "worker_queue_depth",
		Help: "Builds running plus submissions waiting for a worker.",
	})
	c.RequestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "farmcc", Name: "request_seconds",
		Help:    "End-to-end request latency, by outcome.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"outcome"})

	c.registry.MustRegister(
		c.CacheHits, c.CacheMisses, c.Evictions,
		c.StoreBytes, c.StoreEntries,
		c.Builds, c.BuildFailures, c.RemoteFallback,
		c.Collapsed, c.QueueDepth, c.RequestSeconds,
	)
	return c
}

// Handler returns the scrape handler for the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics endpoint on the given port.
func (c *Collector) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	c.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return c.server.ListenAndServe()
}

// Shutdown stops the metrics endpoint if one was started.
func (c *Collector) Shutdown() error {
	if c.server == nil {
		return nil
	}
	return c.server.Close()
}
