// Package kvstore provides durable, observable key-value registers grouped by
// namespace. Each logical store of the pipeline (recording state, sync stats,
// pending call note, session, ...) owns one namespace.
package kvstore

import (
	"context"
	"errors"
	"sync"
)

var ErrInvalidNamespace = errors.New("kvstore: namespace required")

// Store is the durable key-value contract.
//
// Update runs fn against a copy of the namespace and persists the result
// atomically. Keys deleted from the map are removed.
type Store interface {
	Get(ctx context.Context, ns, key string) (string, bool, error)
	All(ctx context.Context, ns string) (map[string]string, error)
	Update(ctx context.Context, ns string, fn func(values map[string]string) error) error
	Observe(ctx context.Context, ns string) <-chan struct{}
}

// notifier fans change signals out to observers. A signal is coalesced when
// the observer has not consumed the previous one yet.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: map[string]map[chan struct{}]struct{}{}}
}

func (n *notifier) subscribe(ctx context.Context, ns string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs[ns] == nil {
		n.subs[ns] = map[chan struct{}]struct{}{}
	}
	n.subs[ns][ch] = struct{}{}
	n.mu.Unlock()

	// Initial signal so observers read the current value first.
	ch <- struct{}{}

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs[ns], ch)
		n.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (n *notifier) notify(ns string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[ns] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sameMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
