package cache

import (
	"encoding/json"
	"time"
)

// CacheEntry is a cached provider result as stored in the backend.
type CacheEntry struct {
	// Data is the JSON-encoded result.
	Data json.RawMessage `json:"data"`

	// CachedAt is when the result was stored. Pruning removes the oldest first.
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired reports whether the entry is older than ttl at now.
func (e *CacheEntry) IsExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CachedAt) > ttl
}

// TTL returns the lifetime left at now, or 0 if already expired.
func (e *CacheEntry) TTL(now time.Time, ttl time.Duration) time.Duration {
	left := e.CachedAt.Add(ttl).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}
