// Package calltrack turns platform call-state notifications into an ordered,
// de-duplicated stream of Ringing/Connected/Ended events.
package calltrack

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"crm-callsync/internal/phone"
)

var ErrPermissionDenied = errors.New("calltrack: call state permission denied")

// SubscriberBuffer is the per-subscriber event buffer. Events for a
// subscriber whose buffer is full are dropped.
const SubscriberBuffer = 64

// Source is the platform call-state binding. Register delivers notifications
// to fn in platform order until Unregister; it returns ErrPermissionDenied
// when the platform refuses access.
type Source interface {
	Register(fn func(state State, number string)) error
	Unregister()
}

type Tracker struct {
	src   Source
	log   *slog.Logger
	clock func() time.Time

	lifecycle sync.Mutex
	running   bool

	mu            sync.Mutex
	lastState     State
	lastNumber    string
	callStartTime time.Time

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

func New(src Source, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		src:       src,
		log:       log.With("component", "calltrack"),
		clock:     time.Now,
		lastState: StateIdle,
		subs:      map[chan Event]struct{}{},
	}
}

// Start registers with the platform source. It is idempotent and returns
// false (after logging) when permission is denied or registration fails.
func (t *Tracker) Start() bool {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if t.running {
		return true
	}
	if err := t.src.Register(t.OnStateChanged); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			t.log.Error("call state permission denied", "error", err)
		} else {
			t.log.Error("register call state listener", "error", err)
		}
		return false
	}
	t.running = true
	t.log.Info("call state tracking started")
	return true
}

// Stop is idempotent.
func (t *Tracker) Stop() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if !t.running {
		return
	}
	t.src.Unregister()
	t.running = false
	t.log.Info("call state tracking stopped")
}

// Subscribe returns a channel of events emitted from now on. Past events
// are not replayed. The returned func unsubscribes and closes the channel.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, SubscriberBuffer)
	t.subsMu.Lock()
	t.subs[ch] = struct{}{}
	t.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subsMu.Lock()
			delete(t.subs, ch)
			t.subsMu.Unlock()
			close(ch)
		})
	}
}

// OnStateChanged applies one platform notification. Notifications are
// serialized; the source is expected to deliver them in order.
func (t *Tracker) OnStateChanged(state State, number string) {
	if !state.Valid() {
		t.log.Warn("ignore unknown call state", "state", string(state))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Publishing never blocks, so it stays under mu to keep event order.
	if ev, emit := t.apply(state, number); emit {
		t.publish(ev)
	}
}

func (t *Tracker) apply(state State, number string) (Event, bool) {
	blank := phone.IsBlank(number)
	if state == t.lastState && blank {
		return Event{}, false
	}
	if !blank {
		t.lastNumber = number
	}

	now := t.clock()
	var ev Event
	emit := false
	switch state {
	case StateRinging:
		t.callStartTime = time.Time{}
		ev, emit = Event{Kind: Ringing, PhoneNumber: t.lastNumber, At: now}, true
	case StateOffhook:
		t.callStartTime = now
		ev, emit = Event{Kind: Connected, PhoneNumber: t.lastNumber, At: now}, true
	case StateIdle:
		if t.lastState == StateOffhook || t.lastState == StateRinging {
			ev = Event{Kind: Ended, PhoneNumber: t.lastNumber, At: now}
			if !t.callStartTime.IsZero() {
				d := now.Sub(t.callStartTime).Milliseconds()
				ev.DurationMillis = &d
			}
			emit = true
		}
		t.lastNumber = ""
		t.callStartTime = time.Time{}
	}
	t.lastState = state
	return ev, emit
}

func (t *Tracker) publish(ev Event) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
			t.log.Warn("event subscriber is full, dropping event", "kind", ev.Kind.String())
		}
	}
}
