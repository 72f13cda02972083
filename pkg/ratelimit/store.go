package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyState is the hash holding the persisted rate limit state.
const RedisKeyState = "linkhub:rate_limit:state"

// Hash fields of RedisKeyState.
const (
	fieldRequests      = "requests_this_window"
	fieldWindowStart   = "window_start_ms"
	fieldInCooldown    = "is_in_cooldown"
	fieldCooldownUntil = "cooldown_until_ms"
	fieldErrors        = "consecutive_errors"
)

// StateStore persists State between transitions and across restarts.
type StateStore interface {
	// Load returns the stored state; found is false when nothing was saved yet.
	Load(ctx context.Context) (state State, found bool, err error)
	Save(ctx context.Context, state State) error
}

// RedisStateStore keeps the state in a single Redis hash.
type RedisStateStore struct {
	redis *redis.Client
	key   string
}

var _ StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore creates a store writing to RedisKeyState.
func NewRedisStateStore(redisClient *redis.Client) *RedisStateStore {
	return &RedisStateStore{redis: redisClient, key: RedisKeyState}
}

// Load reads the hash. An empty hash means no state has been saved.
func (s *RedisStateStore) Load(ctx context.Context) (State, bool, error) {
	fields, err := s.redis.HGetAll(ctx, s.key).Result()
	if err != nil {
		return State{}, false, fmt.Errorf("get rate limit state: %w", err)
	}
	if len(fields) == 0 {
		return State{}, false, nil
	}

	var state State
	if state.RequestsThisWindow, err = atoiField(fields, fieldRequests); err != nil {
		return State{}, false, err
	}
	if state.ConsecutiveErrors, err = atoiField(fields, fieldErrors); err != nil {
		return State{}, false, err
	}
	if state.WindowStart, err = timeField(fields, fieldWindowStart); err != nil {
		return State{}, false, err
	}
	if state.CooldownUntil, err = timeField(fields, fieldCooldownUntil); err != nil {
		return State{}, false, err
	}
	state.IsInCooldown = fields[fieldInCooldown] == "1"

	return state, true, nil
}

// Save writes all fields in one transaction.
func (s *RedisStateStore) Save(ctx context.Context, state State) error {
	inCooldown := "0"
	if state.IsInCooldown {
		inCooldown = "1"
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key,
			fieldRequests, state.RequestsThisWindow,
			fieldWindowStart, unixMilli(state.WindowStart),
			fieldInCooldown, inCooldown,
			fieldCooldownUntil, unixMilli(state.CooldownUntil),
			fieldErrors, state.ConsecutiveErrors,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// MemoryStateStore keeps the state in process memory. It does not survive
// restarts and is meant for tests and the in-memory catalog.
type MemoryStateStore struct {
	mu    sync.Mutex
	state State
	found bool
}

var _ StateStore = (*MemoryStateStore)(nil)

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

// Load returns the last saved state.
func (m *MemoryStateStore) Load(ctx context.Context) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.found, nil
}

// Save replaces the stored state.
func (m *MemoryStateStore) Save(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.found = true
	return nil
}

func atoiField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

func timeField(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" || raw == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return time.UnixMilli(ms), nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
