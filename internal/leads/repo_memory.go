package leads

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process ActionStore for tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]PendingAction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[int64]PendingAction{}}
}

func (m *MemoryStore) Insert(_ context.Context, a PendingAction) (PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	m.items[a.ID] = a
	return a, nil
}

func (m *MemoryStore) List(_ context.Context) ([]PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingAction, 0, len(m.items))
	for _, a := range m.items {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) IncrementRetry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	a.RetryCount++
	m.items[id] = a
	return nil
}

func (m *MemoryStore) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}
