package catalog

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound indicates no item has the requested id
	ErrNotFound = errors.New("item not found")

	// ErrInvalidItem indicates an item failed validation before a write
	ErrInvalidItem = errors.New("invalid item")
)

// Store persists catalog items in insertion order.
type Store interface {
	// List returns every item in insertion order.
	List(ctx context.Context) ([]Item, error)
	Get(ctx context.Context, id string) (Item, error)
	// Add stores a new item, filling ID, Status, Category and AddedAt when
	// empty, and returns the stored value.
	Add(ctx context.Context, item Item) (Item, error)
	// Update replaces an existing item. Returns ErrNotFound for unknown ids.
	Update(ctx context.Context, item Item) error
	Delete(ctx context.Context, id string) error
	// Subscribe registers fn to receive the full item list after every
	// change. The returned function unregisters it.
	Subscribe(fn func([]Item)) (unsubscribe func())
}

func validate(it Item) error {
	if it.ID == "" {
		return errors.Join(ErrInvalidItem, errors.New("empty id"))
	}
	if it.Status != "" && !it.Status.IsValid() {
		return errors.Join(ErrInvalidItem, errors.New("unknown status "+string(it.Status)))
	}
	return nil
}

// notifier fans change events out to subscribers. Callbacks run on the
// writer's goroutine after the store has released its own locks.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func([]Item)
}

func (n *notifier) subscribe(fn func([]Item)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subs == nil {
		n.subs = make(map[int]func([]Item))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs) > 0
}

func (n *notifier) publish(items []Item) {
	n.mu.Lock()
	fns := make([]func([]Item), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		snapshot := make([]Item, len(items))
		for i, it := range items {
			snapshot[i] = it.Clone()
		}
		fn(snapshot)
	}
}

// publishFrom lists the store and publishes the result when anyone listens.
func (n *notifier) publishFrom(ctx context.Context, s Store) {
	if !n.active() {
		return
	}
	items, err := s.List(ctx)
	if err != nil {
		return
	}
	n.publish(items)
}
