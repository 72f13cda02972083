package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Backend is the key-value storage behind a Manager. Implementations return
// ErrCacheMiss for absent keys and ErrQuotaExceeded when a write is refused
// for lack of space.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryBackend is a bounded in-process Backend. Writes of new keys fail with
// ErrQuotaExceeded once MaxEntries keys are held.
type MemoryBackend struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates a backend holding at most maxEntries keys.
// A non-positive maxEntries means unbounded.
func NewMemoryBackend(maxEntries int) *MemoryBackend {
	return &MemoryBackend{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// SetClock replaces the time source (for testing).
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !e.expiresAt.IsZero() && !b.now().Before(e.expiresAt) {
		delete(b.entries, key)
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), e.data...), nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[key]; !exists && b.maxEntries > 0 && len(b.entries) >= b.maxEntries {
		return ErrQuotaExceeded
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = b.now().Add(ttl)
	}
	b.entries[key] = memoryEntry{data: append([]byte(nil), data...), expiresAt: expiresAt}
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range keys {
		delete(b.entries, key)
	}
	return nil
}

func (b *MemoryBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys, expired or not.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
