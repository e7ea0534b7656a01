package kvstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store for tests and ephemeral runs.
type Memory struct {
	mu     sync.Mutex
	data   map[string]map[string]string
	notify *notifier
}

func NewMemory() *Memory {
	return &Memory{data: map[string]map[string]string{}, notify: newNotifier()}
}

func (m *Memory) Get(ctx context.Context, ns, key string) (string, bool, error) {
	if ns == "" {
		return "", false, ErrInvalidNamespace
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[ns][key]
	return v, ok, nil
}

func (m *Memory) All(ctx context.Context, ns string) (map[string]string, error) {
	if ns == "" {
		return nil, ErrInvalidNamespace
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.data[ns]), nil
}

func (m *Memory) Update(ctx context.Context, ns string, fn func(values map[string]string) error) error {
	if ns == "" {
		return ErrInvalidNamespace
	}
	m.mu.Lock()
	before := m.data[ns]
	values := copyMap(before)
	if err := fn(values); err != nil {
		m.mu.Unlock()
		return err
	}
	changed := !sameMap(before, values)
	m.data[ns] = values
	m.mu.Unlock()

	if changed {
		m.notify.notify(ns)
	}
	return nil
}

func (m *Memory) Observe(ctx context.Context, ns string) <-chan struct{} {
	return m.notify.subscribe(ctx, ns)
}
