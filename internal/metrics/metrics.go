package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter

	GatewayRequests  *prometheus.CounterVec
	GatewayFailures  *prometheus.CounterVec
	CompatCacheHits  prometheus.Counter
	CompatProbes     prometheus.Counter
	CatalogRefreshes prometheus.Counter
	HistoryEvictions prometheus.Counter
	TelegraphPosts   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polybot",
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polybot",
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polybot",
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polybot",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polybot",
				Name:      "gateway_requests_total",
				Help:      "Gateway requests by logical kind",
			}, []string{"kind"}),
			GatewayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polybot",
				Name:      "gateway_failures_total",
				Help:      "Gateway failures by logical kind",
			}, []string{"kind"}),
			CompatCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polybot",
				Name:      "compat_cache_hits_total",
				Help:      "Compat resolutions served from override or catalog",
			}),
			CompatProbes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polybot",
				Name:      "compat_probes_total",
				Help:      "Live compat probes issued",
			}),
			CatalogRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polybot",
				Name:      "catalog_refreshes_total",
				Help:      "Model catalog refresh runs",
			}),
			HistoryEvictions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polybot",
				Name:      "history_evictions_total",
				Help:      "History sessions evicted by global bounds",
			}),
			TelegraphPosts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polybot",
				Name:      "telegraph_posts_total",
				Help:      "Long-form answers published to telegraph",
			}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs, global.ProcessedJobs, global.FailedJobs, global.UpdatesTotal,
			global.GatewayRequests, global.GatewayFailures, global.CompatCacheHits,
			global.CompatProbes, global.CatalogRefreshes, global.HistoryEvictions,
			global.TelegraphPosts,
		)
	})
	return global
}
