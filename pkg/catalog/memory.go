package catalog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps items in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items []Item
	index map[string]int

	events notifier
	now    func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// SetClock replaces the time source used for AddedAt (for testing).
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) List(ctx context.Context) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Item, len(s.items))
	for i, it := range s.items {
		out[i] = it.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return s.items[i].Clone(), nil
}

func (s *MemoryStore) Add(ctx context.Context, item Item) (Item, error) {
	s.mu.Lock()
	item = normalize(item, s.now())
	if err := validate(item); err != nil {
		s.mu.Unlock()
		return Item{}, err
	}
	if i, exists := s.index[item.ID]; exists {
		s.items[i] = item
	} else {
		s.index[item.ID] = len(s.items)
		s.items = append(s.items, item)
	}
	s.mu.Unlock()

	s.events.publishFrom(ctx, s)
	return item.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, item Item) error {
	if err := validate(item); err != nil {
		return err
	}

	s.mu.Lock()
	i, ok := s.index[item.ID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.items[i] = item.Clone()
	s.mu.Unlock()

	s.events.publishFrom(ctx, s)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.items); j++ {
		s.index[s.items[j].ID] = j
	}
	s.mu.Unlock()

	s.events.publishFrom(ctx, s)
	return nil
}

func (s *MemoryStore) Subscribe(fn func([]Item)) func() {
	return s.events.subscribe(fn)
}
