// Package metrics provides the Prometheus registry used by link-enricher.
// All metrics are defined in their respective packages (ratelimit, cache,
// provider, enrich, queue) to keep packages independent.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by link-enricher.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - linkhub_rate_limit_requests_in_window (Gauge): requests recorded in the current window
//   - linkhub_rate_limit_in_cooldown (Gauge): 1 while a cooldown is active
//   - linkhub_rate_limit_cooldowns_total (Counter): cooldowns entered
//   - linkhub_rate_limit_blocks_total{reason} (Counter): refused dispatch checks (cooldown, window)
//
// Cache Metrics (pkg/cache):
//   - linkhub_cache_hits_total (Counter)
//   - linkhub_cache_misses_total (Counter)
//   - linkhub_cache_errors_total{operation} (Counter): get, set, delete, prune
//   - linkhub_cache_prunes_total (Counter): entries removed by quota pruning
//
// Provider Metrics (pkg/provider):
//   - linkhub_provider_requests_total{backend, model, status} (Counter)
//   - linkhub_provider_request_duration_seconds{backend} (Histogram)
//
// Enrichment Metrics (pkg/enrich):
//   - linkhub_enrich_model_rotations_total{model} (Counter): quota failures that moved to the next model
//   - linkhub_enrich_errors_total{class} (Counter): classified call-level failures
//   - linkhub_enrich_soft_failures_total (Counter)
//
// Queue Metrics (pkg/queue):
//   - linkhub_queue_ticks_total{outcome} (Counter)
//   - linkhub_queue_items_total{status} (Counter): item status writes
//   - linkhub_queue_delay_seconds (Gauge): current inter-batch delay
//
// Example Prometheus Queries:
//
//   # Share of ticks spent throttled
//   sum(rate(linkhub_queue_ticks_total{outcome=~"cooldown|throttled"}[15m]))
//     / sum(rate(linkhub_queue_ticks_total[15m]))
//
//   # Quota pressure per model
//   rate(linkhub_enrich_model_rotations_total[1h])
//
//   # Cache hit rate
//   sum(rate(linkhub_cache_hits_total[1h])) /
//   (sum(rate(linkhub_cache_hits_total[1h])) + sum(rate(linkhub_cache_misses_total[1h])))
