package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"crm-callsync/internal/api"
)

var (
	ErrNoPending = errors.New("notes: no pending call note")
	ErrEmptyNote = errors.New("notes: note body is empty")
)

// LeadFinder resolves a phone number to a lead; nil means unmatched.
type LeadFinder interface {
	FindByPhone(ctx context.Context, number string) (*api.Lead, error)
}

// NoteSubmitter delivers a note now or queues it for later.
type NoteSubmitter interface {
	AddNote(ctx context.Context, leadID int64, body string) (queued bool, err error)
}

// Resolution is a pending note with its matched lead. Lead is nil when no
// lead matches the number; the caller should offer to create one before
// saving.
type Resolution struct {
	Pending Pending
	Lead    *api.Lead
}

// Bridge links the pending slot written at call end to the note the agent
// eventually types.
type Bridge struct {
	store  *Store
	finder LeadFinder
	notes  NoteSubmitter
	log    *slog.Logger
}

func NewBridge(store *Store, finder LeadFinder, notes NoteSubmitter, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{store: store, finder: finder, notes: notes, log: log.With("component", "notes.bridge")}
}

// Resolve returns nil when the slot is empty. A lookup failure leaves Lead
// nil and is returned alongside the resolution.
func (b *Bridge) Resolve(ctx context.Context) (*Resolution, error) {
	p, err := b.store.Get(ctx)
	if err != nil || p == nil {
		return nil, err
	}
	return b.resolve(ctx, *p)
}

func (b *Bridge) resolve(ctx context.Context, p Pending) (*Resolution, error) {
	res := &Resolution{Pending: p}
	lead, err := b.finder.FindByPhone(ctx, p.PhoneNumber)
	if err != nil {
		return res, fmt.Errorf("notes: resolve lead: %w", err)
	}
	res.Lead = lead
	return res, nil
}

// SaveNote attaches body to leadID and empties the slot. The slot is kept
// when the note could neither be sent nor queued.
func (b *Bridge) SaveNote(ctx context.Context, leadID int64, body string) (queued bool, err error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return false, ErrEmptyNote
	}
	p, err := b.store.Get(ctx)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, ErrNoPending
	}
	queued, err = b.notes.AddNote(ctx, leadID, body)
	if err != nil {
		return false, fmt.Errorf("notes: save note: %w", err)
	}
	if err := b.store.Clear(ctx); err != nil {
		return queued, err
	}
	b.log.Info("call note saved", "lead_id", leadID, "queued", queued)
	return queued, nil
}

// Dismiss drops the pending note without saving anything.
func (b *Bridge) Dismiss(ctx context.Context) error {
	return b.store.Clear(ctx)
}

// Watch resolves every new pending note until ctx is done. Empty slots are
// skipped.
func (b *Bridge) Watch(ctx context.Context) <-chan Resolution {
	out := make(chan Resolution)
	updates := b.store.Observe(ctx)
	go func() {
		defer close(out)
		for p := range updates {
			if p == nil {
				continue
			}
			res, err := b.resolve(ctx, *p)
			if err != nil {
				b.log.Warn("resolve pending note", "error", err)
			}
			select {
			case out <- *res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
