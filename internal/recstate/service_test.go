package recstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"crm-callsync/internal/kvstore"
)

func TestStore_DefaultsOnFirstAccess(t *testing.T) {
	s := NewStore(kvstore.NewMemory(), nil)
	st, err := s.Get(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.LastStatus != StatusIdle || st.ConsentGranted || st.LastFileName != "" {
		t.Fatalf("unexpected defaults: %+v", st)
	}
}

func TestStore_HappyPathTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kvstore.NewMemory(), nil)
	file := "/rec/call_1.m4a"

	steps := []struct {
		name string
		fn   func() error
		want Status
	}{
		{"recording", func() error { return s.MarkRecording(ctx, file) }, StatusRecording},
		{"queued", func() error { return s.MarkQueued(ctx, file) }, StatusQueued},
		{"uploading", func() error { return s.MarkUploading(ctx, file) }, StatusUploading},
		{"uploaded", func() error { return s.MarkUploaded(ctx, file) }, StatusUploaded},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		st, _ := s.Get(ctx)
		if st.LastStatus != step.want {
			t.Fatalf("%s: expected %s got %s", step.name, step.want, st.LastStatus)
		}
		if st.LastFileName != file {
			t.Fatalf("%s: expected file %q got %q", step.name, file, st.LastFileName)
		}
	}
}

func TestStore_RejectsSkippedTransition(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kvstore.NewMemory(), nil)
	err := s.MarkUploaded(ctx, "/rec/a.m4a")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStore_FailureThenRetry(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kvstore.NewMemory(), nil)
	file := "/rec/a.m4a"
	_ = s.MarkRecording(ctx, file)
	_ = s.MarkQueued(ctx, file)
	_ = s.MarkUploading(ctx, file)
	if err := s.MarkFailed(ctx, file, "init: 503"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	st, _ := s.Get(ctx)
	if st.LastStatus != StatusFailed || st.LastError != "init: 503" {
		t.Fatalf("unexpected state: %+v", st)
	}
	if err := s.MarkUploading(ctx, file); err != nil {
		t.Fatalf("retry uploading: %v", err)
	}
	st, _ = s.Get(ctx)
	if st.LastError != "" {
		t.Fatalf("expected error to clear on progress, got %q", st.LastError)
	}
}

func TestStore_StaleUploadDoesNotOverwriteNewerCall(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kvstore.NewMemory(), nil)
	_ = s.MarkRecording(ctx, "/rec/old.m4a")
	_ = s.MarkQueued(ctx, "/rec/old.m4a")
	_ = s.MarkRecording(ctx, "/rec/new.m4a")

	if err := s.MarkUploaded(ctx, "/rec/old.m4a"); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	st, _ := s.Get(ctx)
	if st.LastStatus != StatusRecording || st.LastFileName != "/rec/new.m4a" {
		t.Fatalf("newer call state overwritten: %+v", st)
	}
}

func TestStore_ConsentPersistsIndependently(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	s := NewStore(kv, nil)
	if err := s.SetConsent(ctx, true); err != nil {
		t.Fatalf("set consent: %v", err)
	}
	_ = s.MarkRecording(ctx, "/rec/a.m4a")

	st, _ := NewStore(kv, nil).Get(ctx)
	if !st.ConsentGranted || st.LastStatus != StatusRecording {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestStore_ObserveEmitsCurrentThenChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewStore(kvstore.NewMemory(), nil)

	ch := s.Observe(ctx)
	first := recv(t, ch)
	if first.LastStatus != StatusIdle {
		t.Fatalf("expected idle first, got %s", first.LastStatus)
	}
	_ = s.MarkRecording(ctx, "/rec/a.m4a")
	if got := recv(t, ch); got.LastStatus != StatusRecording {
		t.Fatalf("expected recording, got %s", got.LastStatus)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusIdle, StatusRecording, true},
		{StatusIdle, StatusQueued, false},
		{StatusQueued, StatusUploaded, false},
		{StatusUploaded, StatusRecording, true},
		{StatusRecording, StatusFailed, true},
		{StatusFailed, StatusUploading, true},
		{StatusIdle, Status("bogus"), false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Fatalf("%s -> %s: expected %v got %v", c.from, c.to, c.ok, got)
		}
	}
}

func recv(t *testing.T, ch <-chan State) State {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for state")
	}
	return State{}
}
