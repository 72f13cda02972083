package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by key kind
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkhub_cache_hits_total",
			Help: "Total number of result cache hits",
		},
		[]string{"kind"}, // "enrich", "search"
	)

	// CacheMisses tracks cache misses by key kind
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkhub_cache_misses_total",
			Help: "Total number of result cache misses",
		},
		[]string{"kind"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkhub_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "prune"
	)

	// CachePrunes counts prune passes that removed at least one entry
	CachePrunes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linkhub_cache_prunes_total",
			Help: "Total number of cache prune passes",
		},
	)
)
