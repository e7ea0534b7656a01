package notes

import (
	"context"
	"errors"
	"testing"
	"time"

	"crm-callsync/internal/api"
	"crm-callsync/internal/kvstore"
)

type fakeFinder struct {
	leads map[string]*api.Lead
	err   error
}

func (f *fakeFinder) FindByPhone(_ context.Context, number string) (*api.Lead, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.leads[number], nil
}

type fakeNotes struct {
	queued bool
	err    error
	saved  []string
}

func (f *fakeNotes) AddNote(_ context.Context, leadID int64, body string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.saved = append(f.saved, body)
	return f.queued, nil
}

func newBridge(finder LeadFinder, n NoteSubmitter) (*Bridge, *Store) {
	store := NewStore(kvstore.NewMemory(), nil)
	return NewBridge(store, finder, n, nil), store
}

func TestStore_SetPendingOverwritesAndClears(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kvstore.NewMemory(), nil)

	if p, err := store.Get(ctx); err != nil || p != nil {
		t.Fatalf("expected empty slot, got %+v %v", p, err)
	}
	d := int64(42000)
	if err := store.SetPending(ctx, "5551234567", 1700000000000, &d); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetPending(ctx, "5559990000", 1700000100000, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	p, err := store.Get(ctx)
	if err != nil || p == nil {
		t.Fatalf("get: %+v %v", p, err)
	}
	if p.PhoneNumber != "5559990000" || p.EndedAtMillis != 1700000100000 || p.DurationMillis != nil {
		t.Fatalf("expected latest call only, got %+v", p)
	}
	if !p.EndedAt().Equal(time.UnixMilli(1700000100000)) {
		t.Fatalf("unexpected ended at %v", p.EndedAt())
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if p, _ := store.Get(ctx); p != nil {
		t.Fatalf("expected cleared slot, got %+v", p)
	}
}

func TestBridge_ResolveMatchedAndUnmatched(t *testing.T) {
	ctx := context.Background()
	lead := &api.Lead{ID: 3, Phone: "5551234567"}
	b, store := newBridge(&fakeFinder{leads: map[string]*api.Lead{"5551234567": lead}}, &fakeNotes{})

	if res, err := b.Resolve(ctx); err != nil || res != nil {
		t.Fatalf("expected nil resolution for empty slot, got %+v %v", res, err)
	}

	_ = store.SetPending(ctx, "5551234567", 1, nil)
	res, err := b.Resolve(ctx)
	if err != nil || res == nil || res.Lead == nil || res.Lead.ID != 3 {
		t.Fatalf("expected matched lead, got %+v %v", res, err)
	}

	_ = store.SetPending(ctx, "5550000000", 2, nil)
	res, err = b.Resolve(ctx)
	if err != nil || res == nil || res.Lead != nil {
		t.Fatalf("expected unmatched resolution, got %+v %v", res, err)
	}
	if res.Pending.PhoneNumber != "5550000000" {
		t.Fatalf("unexpected pending %+v", res.Pending)
	}
}

func TestBridge_SaveNoteClearsSlot(t *testing.T) {
	ctx := context.Background()
	notes := &fakeNotes{queued: true}
	b, store := newBridge(&fakeFinder{}, notes)

	if _, err := b.SaveNote(ctx, 3, "hello"); !errors.Is(err, ErrNoPending) {
		t.Fatalf("expected ErrNoPending, got %v", err)
	}
	_ = store.SetPending(ctx, "5551234567", 1, nil)
	if _, err := b.SaveNote(ctx, 3, "   "); !errors.Is(err, ErrEmptyNote) {
		t.Fatalf("expected ErrEmptyNote, got %v", err)
	}

	queued, err := b.SaveNote(ctx, 3, " interested in plan B ")
	if err != nil || !queued {
		t.Fatalf("save: queued=%v err=%v", queued, err)
	}
	if len(notes.saved) != 1 || notes.saved[0] != "interested in plan B" {
		t.Fatalf("unexpected notes %v", notes.saved)
	}
	if p, _ := store.Get(ctx); p != nil {
		t.Fatalf("expected slot cleared")
	}
}

func TestBridge_SaveFailureKeepsSlot(t *testing.T) {
	ctx := context.Background()
	b, store := newBridge(&fakeFinder{}, &fakeNotes{err: errors.New("disk full")})
	_ = store.SetPending(ctx, "5551234567", 1, nil)

	if _, err := b.SaveNote(ctx, 3, "x"); err == nil {
		t.Fatalf("expected error")
	}
	if p, _ := store.Get(ctx); p == nil {
		t.Fatalf("expected slot kept after failed save")
	}
	if err := b.Dismiss(ctx); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if p, _ := store.Get(ctx); p != nil {
		t.Fatalf("expected slot cleared by dismiss")
	}
}

func TestBridge_WatchResolvesNewNotes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lead := &api.Lead{ID: 9, Phone: "5551234567"}
	b, store := newBridge(&fakeFinder{leads: map[string]*api.Lead{"5551234567": lead}}, &fakeNotes{})

	ch := b.Watch(ctx)
	_ = store.SetPending(ctx, "5551234567", 1, nil)

	select {
	case res := <-ch:
		if res.Lead == nil || res.Lead.ID != 9 {
			t.Fatalf("unexpected resolution %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no resolution observed")
	}
}
