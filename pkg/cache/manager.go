package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTTL is how long an enrichment or search result stays valid.
const DefaultTTL = 24 * time.Hour

// pruneFraction is the share of entries removed when the backend is full.
const pruneFraction = 0.2

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrQuotaExceeded indicates the backend refused a write for lack of space
	ErrQuotaExceeded = errors.New("cache quota exceeded")
)

// Manager memoizes provider results on top of a Backend. It is best-effort:
// a failed write never propagates once the prune-and-retry path has run.
type Manager struct {
	backend Backend
	ttl     time.Duration
	logger  zerolog.Logger

	mu  sync.RWMutex
	now func() time.Time
}

// NewManager creates a cache manager. A non-positive ttl means DefaultTTL.
func NewManager(backend Backend, ttl time.Duration, logger zerolog.Logger) *Manager {
	if backend == nil {
		panic("cache backend cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		backend: backend,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source (for testing).
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// TTL returns the configured entry lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) clock() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now()
}

// Get returns the cached payload for key.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) ([]byte, error) {
	cacheKey := key.String()

	raw, err := m.backend.Get(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			CacheMisses.WithLabelValues(string(key.Kind)).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, err
	}

	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		_ = m.backend.Delete(ctx, cacheKey)
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired(m.clock(), m.ttl) {
		_ = m.backend.Delete(ctx, cacheKey)
		CacheMisses.WithLabelValues(string(key.Kind)).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(string(key.Kind)).Inc()
	return entry.Data, nil
}

// Set stores data under key. When the backend reports ErrQuotaExceeded the
// oldest entries are pruned and the write is retried once; a second failure
// is logged and dropped.
func (m *Manager) Set(ctx context.Context, key CacheKey, data []byte) error {
	if !json.Valid(data) {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEntry)
	}

	raw, err := json.Marshal(CacheEntry{Data: data, CachedAt: m.clock()})
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	cacheKey := key.String()
	err = m.backend.Set(ctx, cacheKey, raw, m.ttl)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		CacheErrors.WithLabelValues("set").Inc()
		return err
	}

	removed, pruneErr := m.Prune(ctx)
	if pruneErr != nil {
		m.logger.Warn().Err(pruneErr).Msg("Cache prune failed")
	}

	if err := m.backend.Set(ctx, cacheKey, raw, m.ttl); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		m.logger.Warn().
			Err(err).
			Int("pruned", removed).
			Str("kind", string(key.Kind)).
			Msg("Cache write dropped after prune")
	}
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.backend.Delete(ctx, key.String()); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return err
	}
	return nil
}

// Prune removes the oldest fifth of entries (rounded up) by CachedAt and
// returns how many keys were deleted. Unreadable entries are always removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	keys, err := m.backend.Keys(ctx, KeyPrefix)
	if err != nil {
		CacheErrors.WithLabelValues("prune").Inc()
		return 0, err
	}

	type aged struct {
		key      string
		cachedAt time.Time
	}

	var (
		entries []aged
		corrupt []string
	)
	for _, k := range keys {
		raw, err := m.backend.Get(ctx, k)
		if err != nil {
			continue
		}
		var entry CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			corrupt = append(corrupt, k)
			continue
		}
		entries = append(entries, aged{key: k, cachedAt: entry.CachedAt})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].cachedAt.Before(entries[j].cachedAt)
	})

	n := pruneCount(len(entries))
	victims := corrupt
	for _, e := range entries[:n] {
		victims = append(victims, e.key)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	if err := m.backend.Delete(ctx, victims...); err != nil {
		CacheErrors.WithLabelValues("prune").Inc()
		return 0, err
	}

	CachePrunes.Inc()
	m.logger.Info().
		Int("removed", len(victims)).
		Int("scanned", len(keys)).
		Msg("Cache pruned")
	return len(victims), nil
}

// pruneCount is ceil(total * pruneFraction).
func pruneCount(total int) int {
	if total <= 0 {
		return 0
	}
	n := int(float64(total)*pruneFraction + 0.999999)
	if n > total {
		n = total
	}
	return n
}
