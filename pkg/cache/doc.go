// Package cache memoizes enrichment and search results.
//
// Keys are stable hashes of the enrichment input (a URL or a search query),
// entries expire after a fixed TTL (24h by default) and the cache is strictly
// best-effort: a hit saves a provider request, a miss or a failed write never
// changes the outcome of an enrichment.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(cache.NewRedisBackend(redisClient), cache.DefaultTTL, logger)
//
//	key := cache.EnrichmentKey("https://shodan.io")
//	data, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// ask the provider, then
//		_ = manager.Set(ctx, key, result)
//	}
//
// # Storage Pressure
//
// When the backend refuses a write with ErrQuotaExceeded (a full
// MemoryBackend, or Redis answering OOM under maxmemory-policy noeviction),
// the manager deletes the oldest 20% of entries by CachedAt and retries
// once. A second failure is logged and swallowed.
//
// # Metrics
//
//   - linkhub_cache_hits_total{kind} - Cache hits
//   - linkhub_cache_misses_total{kind} - Cache misses
//   - linkhub_cache_errors_total{operation} - Cache operation errors
//   - linkhub_cache_prunes_total - Prune passes
package cache
