// Package notes keeps the single pending call-note slot that links a
// just-ended call to a lead so the agent can attach a note later.
package notes

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"crm-callsync/internal/kvstore"
	"crm-callsync/internal/phone"
)

const Namespace = "pending_call_note"

const (
	keyPhone    = "phone_number"
	keyEndedAt  = "ended_at_millis"
	keyDuration = "duration_millis"
)

// Pending is the data kept for the most recent ended call.
type Pending struct {
	PhoneNumber    string `json:"phone_number"`
	EndedAtMillis  int64  `json:"ended_at_millis"`
	DurationMillis *int64 `json:"duration_millis,omitempty"`
}

func (p Pending) EndedAt() time.Time { return time.UnixMilli(p.EndedAtMillis) }

type Store struct {
	ns  *kvstore.Namespace
	log *slog.Logger
}

func NewStore(kv kvstore.Store, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{ns: kvstore.NewNamespace(kv, Namespace), log: log.With("component", "notes")}
}

// SetPending overwrites any existing pending note.
func (s *Store) SetPending(ctx context.Context, phoneNumber string, endedAtMillis int64, durationMillis *int64) error {
	return s.ns.Edit(ctx, func(values map[string]string) error {
		values[keyPhone] = phoneNumber
		kvstore.SetInt64(values, keyEndedAt, endedAtMillis)
		if durationMillis != nil {
			kvstore.SetInt64(values, keyDuration, *durationMillis)
		} else {
			delete(values, keyDuration)
		}
		return nil
	})
}

func (s *Store) Clear(ctx context.Context) error {
	return s.ns.Delete(ctx, keyPhone, keyEndedAt, keyDuration)
}

// Get returns the pending note or nil when the slot is empty.
func (s *Store) Get(ctx context.Context) (*Pending, error) {
	values, err := s.ns.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return decode(values), nil
}

// Observe streams the slot (nil when empty) after every change, starting
// with the current value.
func (s *Store) Observe(ctx context.Context) <-chan *Pending {
	out := make(chan *Pending, 1)
	changes := s.ns.Observe(ctx)
	go func() {
		defer close(out)
		for range changes {
			p, err := s.Get(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("read pending note", "error", err)
				}
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func decode(values map[string]string) *Pending {
	num := values[keyPhone]
	if phone.IsBlank(num) {
		return nil
	}
	p := &Pending{
		PhoneNumber:   num,
		EndedAtMillis: kvstore.Int64(values, keyEndedAt, 0),
	}
	if v, ok := values[keyDuration]; ok {
		if d, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.DurationMillis = &d
		}
	}
	return p
}
