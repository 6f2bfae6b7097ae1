package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Conditional implementation backed by a map.
// It is suitable for single-process use and for tests.
type Memory struct {
	mu    sync.Mutex
	items map[string]Item
}

// NewMemory returns a new Memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]Item)}
}

// live returns the current item under key, dropping it lazily when its
// expiry has passed. Callers must hold s.mu.
func (s *Memory) live(key string) (Item, bool) {
	it, ok := s.items[key]
	if !ok {
		return Item{}, false
	}
	if it.ExpiresAt > 0 && it.ExpiresAt <= time.Now().Unix() {
		delete(s.items, key)
		return Item{}, false
	}
	return it, true
}

// Get implements Conditional.Get.
func (s *Memory) Get(ctx context.Context, partitionKey, sortKey string) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(itemKey(partitionKey, sortKey))
	if !ok {
		return Item{}, false, nil
	}
	return it.Clone(), true, nil
}

// Insert implements Conditional.Insert.
func (s *Memory) Insert(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey(item.PartitionKey, item.SortKey)
	if _, ok := s.live(key); ok {
		return ErrConditionFailed
	}
	s.items[key] = item.Clone()
	return nil
}

// Replace implements Conditional.Replace.
func (s *Memory) Replace(ctx context.Context, item Item, cond Cond) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey(item.PartitionKey, item.SortKey)
	cur, ok := s.live(key)
	if !ok || cur.Attributes[cond.Attribute] != cond.Equals {
		return ErrConditionFailed
	}
	s.items[key] = item.Clone()
	return nil
}

// Update implements Conditional.Update.
func (s *Memory) Update(ctx context.Context, partitionKey, sortKey string, set map[string]string, expiresAt int64, cond Cond) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey(partitionKey, sortKey)
	cur, ok := s.live(key)
	if !ok || cur.Attributes[cond.Attribute] != cond.Equals {
		return ErrConditionFailed
	}
	next := cur.Clone()
	for k, v := range set {
		next.Attributes[k] = v
	}
	if expiresAt > 0 {
		next.ExpiresAt = expiresAt
	}
	s.items[key] = next
	return nil
}

// Delete implements Conditional.Delete.
func (s *Memory) Delete(ctx context.Context, partitionKey, sortKey string, cond Cond) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey(partitionKey, sortKey)
	cur, ok := s.live(key)
	if !ok || cur.Attributes[cond.Attribute] != cond.Equals {
		return ErrConditionFailed
	}
	delete(s.items, key)
	return nil
}

// Put implements Conditional.Put.
func (s *Memory) Put(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[itemKey(item.PartitionKey, item.SortKey)] = item.Clone()
	return nil
}
