package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupTestRedis starts an in-memory miniredis server. Integration tests use
// testcontainers-go with a real Redis instance instead.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *stepClock {
	return &stepClock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil backend")
		}
	}()
	NewManager(nil, DefaultTTL, zerolog.Nop())
}

func TestNewManager_DefaultTTL(t *testing.T) {
	m := NewManager(NewMemoryBackend(0), 0, zerolog.Nop())
	if m.TTL() != DefaultTTL {
		t.Errorf("TTL() = %v, want %v", m.TTL(), DefaultTTL)
	}
}

func TestManager_SetAndGet(t *testing.T) {
	backends := map[string]Backend{
		"redis":  NewRedisBackend(setupTestRedis(t)),
		"memory": NewMemoryBackend(10),
	}

	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			manager := NewManager(backend, DefaultTTL, zerolog.Nop())
			ctx := context.Background()

			key := EnrichmentKey("https://shodan.io")
			payload := []byte(`{"description":"Search engine for Internet-connected devices","category":"OSINT"}`)

			if err := manager.Set(ctx, key, payload); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			got, err := manager.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if string(got) != string(payload) {
				t.Errorf("Data mismatch: got %s, want %s", got, payload)
			}
		})
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	manager := NewManager(NewRedisBackend(setupTestRedis(t)), DefaultTTL, zerolog.Nop())

	_, err := manager.Get(context.Background(), SearchKey("nothing here"))
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_Get_ExpiredEntry(t *testing.T) {
	clock := newClock()
	backend := NewMemoryBackend(0)
	manager := NewManager(backend, DefaultTTL, zerolog.Nop())
	manager.SetClock(clock.Now)
	ctx := context.Background()

	key := EnrichmentKey("https://wigle.net")
	if err := manager.Set(ctx, key, []byte(`{"category":"Wireless"}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	clock.Advance(DefaultTTL + time.Minute)

	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss for expired entry, got %v", err)
	}
	if backend.Len() != 0 {
		t.Errorf("expired entry should be deleted, backend holds %d keys", backend.Len())
	}
}

func TestManager_Get_InvalidEntry(t *testing.T) {
	backend := NewMemoryBackend(0)
	manager := NewManager(backend, DefaultTTL, zerolog.Nop())
	ctx := context.Background()

	key := EnrichmentKey("https://example.com")
	if err := backend.Set(ctx, key.String(), []byte("not json"), time.Hour); err != nil {
		t.Fatal(err)
	}

	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Expected ErrInvalidEntry, got %v", err)
	}
}

func TestManager_Set_RejectsInvalidJSON(t *testing.T) {
	manager := NewManager(NewMemoryBackend(0), DefaultTTL, zerolog.Nop())

	err := manager.Set(context.Background(), EnrichmentKey("https://example.com"), []byte("{broken"))
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Expected ErrInvalidEntry, got %v", err)
	}
}

func TestManager_Delete(t *testing.T) {
	manager := NewManager(NewRedisBackend(setupTestRedis(t)), DefaultTTL, zerolog.Nop())
	ctx := context.Background()
	key := EnrichmentKey("https://example.com")

	if err := manager.Set(ctx, key, []byte(`{}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
}

func TestManager_Set_PrunesOldestOnQuota(t *testing.T) {
	clock := newClock()
	backend := NewMemoryBackend(5)
	manager := NewManager(backend, DefaultTTL, zerolog.Nop())
	manager.SetClock(clock.Now)
	ctx := context.Background()

	var keys []CacheKey
	for i := 0; i < 5; i++ {
		key := EnrichmentKey(fmt.Sprintf("https://example.com/%d", i))
		keys = append(keys, key)
		if err := manager.Set(ctx, key, []byte(`{}`)); err != nil {
			t.Fatalf("Set %d failed: %v", i, err)
		}
		clock.Advance(time.Minute)
	}

	fresh := EnrichmentKey("https://example.com/fresh")
	if err := manager.Set(ctx, fresh, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Set after quota should succeed, got %v", err)
	}

	if _, err := manager.Get(ctx, keys[0]); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("oldest entry should be pruned, got %v", err)
	}
	for _, key := range keys[1:] {
		if _, err := manager.Get(ctx, key); err != nil {
			t.Errorf("entry %s should survive prune: %v", key, err)
		}
	}
	if _, err := manager.Get(ctx, fresh); err != nil {
		t.Errorf("retried write should be readable: %v", err)
	}
}

type fullBackend struct {
	*MemoryBackend
	sets int
}

func (b *fullBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	b.sets++
	return fmt.Errorf("%w: OOM command not allowed", ErrQuotaExceeded)
}

func TestManager_Set_SecondFailureSwallowed(t *testing.T) {
	backend := &fullBackend{MemoryBackend: NewMemoryBackend(0)}
	manager := NewManager(backend, DefaultTTL, zerolog.Nop())

	if err := manager.Set(context.Background(), EnrichmentKey("https://example.com"), []byte(`{}`)); err != nil {
		t.Errorf("second quota failure should be swallowed, got %v", err)
	}
	if backend.sets != 2 {
		t.Errorf("backend Set called %d times, want 2 (write + one retry)", backend.sets)
	}
}

type brokenBackend struct {
	*MemoryBackend
}

func (b *brokenBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return errors.New("connection refused")
}

func TestManager_Set_OtherErrorsReturned(t *testing.T) {
	manager := NewManager(&brokenBackend{NewMemoryBackend(0)}, DefaultTTL, zerolog.Nop())

	if err := manager.Set(context.Background(), EnrichmentKey("https://example.com"), []byte(`{}`)); err == nil {
		t.Error("non-quota backend error should be returned")
	}
}

func TestManager_Prune(t *testing.T) {
	tests := []struct {
		name        string
		entries     int
		wantRemoved int
	}{
		{"empty cache", 0, 0},
		{"single entry", 1, 1},
		{"ten entries", 10, 2},
		{"eleven entries rounds up", 11, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newClock()
			backend := NewMemoryBackend(0)
			manager := NewManager(backend, DefaultTTL, zerolog.Nop())
			manager.SetClock(clock.Now)
			ctx := context.Background()

			for i := 0; i < tt.entries; i++ {
				if err := manager.Set(ctx, SearchKey(fmt.Sprintf("q%d", i)), []byte(`[]`)); err != nil {
					t.Fatal(err)
				}
				clock.Advance(time.Second)
			}

			removed, err := manager.Prune(ctx)
			if err != nil {
				t.Fatalf("Prune failed: %v", err)
			}
			if removed != tt.wantRemoved {
				t.Errorf("Prune() removed %d, want %d", removed, tt.wantRemoved)
			}
			if backend.Len() != tt.entries-tt.wantRemoved {
				t.Errorf("backend holds %d keys, want %d", backend.Len(), tt.entries-tt.wantRemoved)
			}
		})
	}
}

func TestManager_Prune_Redis(t *testing.T) {
	clock := newClock()
	manager := NewManager(NewRedisBackend(setupTestRedis(t)), DefaultTTL, zerolog.Nop())
	manager.SetClock(clock.Now)
	ctx := context.Background()

	first := EnrichmentKey("https://first.example")
	if err := manager.Set(ctx, first, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		if err := manager.Set(ctx, EnrichmentKey(fmt.Sprintf("https://later.example/%d", i)), []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := manager.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune() removed %d, want 1", removed)
	}
	if _, err := manager.Get(ctx, first); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("oldest entry should be gone, got %v", err)
	}
}

func TestIsOutOfMemory(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("OOM command not allowed when used memory > 'maxmemory'."), true},
		{errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		if got := isOutOfMemory(tt.err); got != tt.want {
			t.Errorf("isOutOfMemory(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
