package kvstore

import (
	"context"
	"strconv"
)

// Namespace binds a Store to one logical register.
type Namespace struct {
	store Store
	name  string
}

func NewNamespace(store Store, name string) *Namespace {
	return &Namespace{store: store, name: name}
}

func (n *Namespace) Name() string { return n.name }

func (n *Namespace) Get(ctx context.Context, key string) (string, bool, error) {
	return n.store.Get(ctx, n.name, key)
}

func (n *Namespace) Snapshot(ctx context.Context) (map[string]string, error) {
	return n.store.All(ctx, n.name)
}

func (n *Namespace) Set(ctx context.Context, key, value string) error {
	return n.store.Update(ctx, n.name, func(values map[string]string) error {
		values[key] = value
		return nil
	})
}

func (n *Namespace) Delete(ctx context.Context, keys ...string) error {
	return n.store.Update(ctx, n.name, func(values map[string]string) error {
		for _, k := range keys {
			delete(values, k)
		}
		return nil
	})
}

// Edit performs a read-modify-write of the whole namespace.
func (n *Namespace) Edit(ctx context.Context, fn func(values map[string]string) error) error {
	return n.store.Update(ctx, n.name, fn)
}

func (n *Namespace) Observe(ctx context.Context) <-chan struct{} {
	return n.store.Observe(ctx, n.name)
}

// Int64 reads key as a base-10 integer; missing or malformed values yield def.
func Int64(values map[string]string, key string, def int64) int64 {
	v, ok := values[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Bool reads key as a boolean; missing or malformed values yield def.
func Bool(values map[string]string, key string, def bool) bool {
	v, ok := values[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// SetInt64 stores n under key.
func SetInt64(values map[string]string, key string, n int64) {
	values[key] = strconv.FormatInt(n, 10)
}
