// Package metrics exposes sync-layer activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"study-portal/pkg/cache"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Feed statuses tracked by the status gauge.
var feedStatuses = []string{"connecting", "live", "reconnecting", "degraded", "stopped"}

// Collector holds all Prometheus metrics for the sync layer. It satisfies the
// observer interfaces of the cache, mutation, prefetch and feed packages.
type Collector struct {
	// Registry for this collector instance
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Cache metrics
	CacheReads         *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec
	CacheEvictions     *prometheus.CounterVec

	// Mutation metrics
	Mutations        *prometheus.CounterVec
	MutationDuration *prometheus.HistogramVec

	// Prefetch metrics
	PrefetchTasks *prometheus.CounterVec

	// Feed metrics
	FeedMessages *prometheus.CounterVec
	FeedStatus   *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		CacheReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_reads_total",
				Help:      "Cache reads by entity and result",
			},
			[]string{"entity", "result"},
		),
		CacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Entries marked stale, by entity",
			},
			[]string{"entity"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Entries removed from the cache, by reason",
			},
			[]string{"reason"},
		),
		Mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_total",
				Help:      "Optimistic mutations by entity and outcome",
			},
			[]string{"entity", "outcome"},
		),
		MutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mutation_duration_seconds",
				Help:      "Time from optimistic write to resolution",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"entity"},
		),
		PrefetchTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prefetch_tasks_total",
				Help:      "Prefetch tasks by entity and result",
			},
			[]string{"entity", "result"},
		),
		FeedMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_messages_total",
				Help:      "Change messages received, by table",
			},
			[]string{"table"},
		),
		FeedStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_status",
				Help:      "1 for the current change-feed status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.CacheReads,
		c.CacheInvalidations,
		c.CacheEvictions,
		c.Mutations,
		c.MutationDuration,
		c.PrefetchTasks,
		c.FeedMessages,
		c.FeedStatus,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveRead(entity string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheReads.WithLabelValues(entity, result).Inc()
}

func (c *Collector) ObserveInvalidation(entity string) {
	c.CacheInvalidations.WithLabelValues(entity).Inc()
}

func (c *Collector) ObserveEviction(reason string) {
	c.CacheEvictions.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveMutation(entity string, outcome string, elapsed time.Duration) {
	c.Mutations.WithLabelValues(entity, outcome).Inc()
	c.MutationDuration.WithLabelValues(entity).Observe(elapsed.Seconds())
}

func (c *Collector) ObservePrefetch(entity string, result string) {
	c.PrefetchTasks.WithLabelValues(entity, result).Inc()
}

func (c *Collector) ObserveFeedMessage(table string) {
	c.FeedMessages.WithLabelValues(table).Inc()
}

// ObserveFeedStatus sets the gauge of status to 1 and every other status to 0.
func (c *Collector) ObserveFeedStatus(status string) {
	for _, s := range feedStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		c.FeedStatus.WithLabelValues(s).Set(value)
	}
}

// TrackStore exports entry counts of store as gauges.
func (c *Collector) TrackStore(namespace string, store *cache.Store) {
	gauge := func(name, help string, read func(cache.Stats) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(read(store.Stats()))
		})
	}
	c.registry.MustRegister(
		gauge("cache_entries", "Entries held by the cache", func(s cache.Stats) int { return s.Entries }),
		gauge("cache_stale_entries", "Entries currently marked stale", func(s cache.Stats) int { return s.Stale }),
		gauge("cache_pending_entries", "Entries with a fetch in flight", func(s cache.Stats) int { return s.Pending }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records request counts and latencies by matched route.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.HTTPRequests.WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.HTTPDuration.WithLabelValues(ctx.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
