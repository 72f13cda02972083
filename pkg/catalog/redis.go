package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisItemsKey = "linkhub:items"
	redisOrderKey = "linkhub:items:order"
	redisSeqKey   = "linkhub:items:seq"
)

// RedisStore keeps items as JSON values in a hash, with insertion order held
// in a sorted set scored by a monotonically increasing sequence.
type RedisStore struct {
	redis  *redis.Client
	events notifier
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed catalog store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient, now: time.Now}
}

// SetClock replaces the time source used for AddedAt (for testing).
func (s *RedisStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *RedisStore) List(ctx context.Context) ([]Item, error) {
	ids, err := s.redis.ZRange(ctx, redisOrderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	if len(ids) == 0 {
		return []Item{}, nil
	}

	values, err := s.redis.HMGet(ctx, redisItemsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}

	items := make([]Item, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// order entry without a value, left behind by an interrupted delete
			continue
		}
		var it Item
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", ids[i], err)
		}
		items = append(items, it)
	}
	return items, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Item, error) {
	raw, err := s.redis.HGet(ctx, redisItemsKey, id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Item{}, ErrNotFound
		}
		return Item{}, fmt.Errorf("redis hget: %w", err)
	}

	var it Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return Item{}, fmt.Errorf("decode item %s: %w", id, err)
	}
	return it, nil
}

func (s *RedisStore) Add(ctx context.Context, item Item) (Item, error) {
	item = normalize(item, s.now())
	if err := validate(item); err != nil {
		return Item{}, err
	}

	data, err := json.Marshal(item)
	if err != nil {
		return Item{}, fmt.Errorf("encode item: %w", err)
	}

	exists, err := s.redis.HExists(ctx, redisItemsKey, item.ID).Result()
	if err != nil {
		return Item{}, fmt.Errorf("redis hexists: %w", err)
	}

	if exists {
		if err := s.redis.HSet(ctx, redisItemsKey, item.ID, data).Err(); err != nil {
			return Item{}, fmt.Errorf("redis hset: %w", err)
		}
	} else {
		seq, err := s.redis.Incr(ctx, redisSeqKey).Result()
		if err != nil {
			return Item{}, fmt.Errorf("redis incr: %w", err)
		}
		_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, redisItemsKey, item.ID, data)
			pipe.ZAdd(ctx, redisOrderKey, redis.Z{Score: float64(seq), Member: item.ID})
			return nil
		})
		if err != nil {
			return Item{}, fmt.Errorf("redis add item: %w", err)
		}
	}

	s.events.publishFrom(ctx, s)
	return item, nil
}

func (s *RedisStore) Update(ctx context.Context, item Item) error {
	if err := validate(item); err != nil {
		return err
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}

	exists, err := s.redis.HExists(ctx, redisItemsKey, item.ID).Result()
	if err != nil {
		return fmt.Errorf("redis hexists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	if err := s.redis.HSet(ctx, redisItemsKey, item.ID, data).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}

	s.events.publishFrom(ctx, s)
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, redisItemsKey, id)
		pipe.ZRem(ctx, redisOrderKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete item: %w", err)
	}
	if removed.Val() == 0 {
		return ErrNotFound
	}

	s.events.publishFrom(ctx, s)
	return nil
}

func (s *RedisStore) Subscribe(fn func([]Item)) func() {
	return s.events.subscribe(fn)
}
