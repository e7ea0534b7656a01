// Package recstate holds the durable recording status register
// (idle/recording/queued/uploading/uploaded/failed).
package recstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"crm-callsync/internal/kvstore"
)

// Namespace is the kv namespace owned by the recording state store.
const Namespace = "recording_state"

const (
	keyConsent  = "consent_granted"
	keyStatus   = "last_status"
	keyFileName = "last_file_name"
	keyError    = "last_error"
)

var (
	ErrInvalidTransition = errors.New("recstate: invalid status transition")
	// ErrStale is returned when an update targets a recording that is no
	// longer the latest one. Callers treat it as a no-op.
	ErrStale = errors.New("recstate: update for stale recording")
)

type Store struct {
	ns  *kvstore.Namespace
	log *slog.Logger
}

func NewStore(kv kvstore.Store, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{ns: kvstore.NewNamespace(kv, Namespace), log: log.With("component", "recstate")}
}

// Get returns the current state, defaults on first access.
func (s *Store) Get(ctx context.Context) (State, error) {
	values, err := s.ns.Snapshot(ctx)
	if err != nil {
		return State{}, err
	}
	return decode(values), nil
}

// ConsentGranted reads only the consent flag.
func (s *Store) ConsentGranted(ctx context.Context) (bool, error) {
	st, err := s.Get(ctx)
	return st.ConsentGranted, err
}

func (s *Store) SetConsent(ctx context.Context, granted bool) error {
	return s.ns.Set(ctx, keyConsent, strconv.FormatBool(granted))
}

// MarkRecording starts tracking a new recording file.
func (s *Store) MarkRecording(ctx context.Context, file string) error {
	return s.transition(ctx, StatusRecording, file, "", false)
}

func (s *Store) MarkQueued(ctx context.Context, file string) error {
	return s.transition(ctx, StatusQueued, file, "", true)
}

func (s *Store) MarkUploading(ctx context.Context, file string) error {
	return s.transition(ctx, StatusUploading, file, "", true)
}

func (s *Store) MarkUploaded(ctx context.Context, file string) error {
	return s.transition(ctx, StatusUploaded, file, "", true)
}

// MarkFailed records a failure. An empty file applies to whatever the
// register currently tracks (used when a recording never started).
func (s *Store) MarkFailed(ctx context.Context, file, msg string) error {
	return s.transition(ctx, StatusFailed, file, msg, file != "")
}

func (s *Store) transition(ctx context.Context, to Status, file, msg string, guard bool) error {
	err := s.ns.Edit(ctx, func(values map[string]string) error {
		cur := decode(values)
		if guard && cur.LastFileName != "" && cur.LastFileName != file {
			return ErrStale
		}
		if !CanTransition(cur.LastStatus, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.LastStatus, to)
		}
		values[keyStatus] = string(to)
		if file != "" {
			values[keyFileName] = file
		}
		if msg != "" {
			values[keyError] = msg
		} else {
			delete(values, keyError)
		}
		return nil
	})
	if errors.Is(err, ErrStale) {
		s.log.Debug("skip stale recording state update", "file_path", file, "status", string(to))
	}
	return err
}

// Observe streams the state after every change, starting with the current one.
// The channel is closed when ctx is done.
func (s *Store) Observe(ctx context.Context) <-chan State {
	out := make(chan State, 1)
	changes := s.ns.Observe(ctx)
	go func() {
		defer close(out)
		for range changes {
			st, err := s.Get(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("read recording state", "error", err)
				}
				continue
			}
			select {
			case out <- st:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func decode(values map[string]string) State {
	st := State{
		ConsentGranted: kvstore.Bool(values, keyConsent, false),
		LastStatus:     Status(values[keyStatus]),
		LastFileName:   values[keyFileName],
		LastError:      values[keyError],
	}
	if !st.LastStatus.Valid() {
		st.LastStatus = StatusIdle
	}
	return st
}
