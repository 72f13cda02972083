package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// KeyPrefix namespaces every cache key.
const KeyPrefix = "linkhub:cache:"

// Kind separates cached enrichment results from cached search results.
type Kind string

const (
	// KindEnrichment caches per-URL enrichment results.
	KindEnrichment Kind = "enrich"

	// KindSearch caches semantic search results per query.
	KindSearch Kind = "search"
)

// CacheKey identifies a cached provider result.
type CacheKey struct {
	// Kind is the result family.
	Kind Kind

	// Input is the raw enrichment input (a URL or a query text).
	Input string
}

// EnrichmentKey returns the key for an enrichment of url.
func EnrichmentKey(url string) CacheKey {
	return CacheKey{Kind: KindEnrichment, Input: url}
}

// SearchKey returns the key for a semantic search of query.
func SearchKey(query string) CacheKey {
	return CacheKey{Kind: KindSearch, Input: query}
}

// String generates a deterministic cache key string.
// Format: linkhub:cache:<kind>:<sha256 of normalized input>
//
// URLs are only trimmed; search queries are also lowercased since the same
// question in a different case has the same answer.
func (k CacheKey) String() string {
	input := strings.TrimSpace(k.Input)
	if k.Kind == KindSearch {
		input = strings.ToLower(input)
	}

	sum := sha256.Sum256([]byte(input))
	return KeyPrefix + string(k.Kind) + ":" + hex.EncodeToString(sum[:])
}
