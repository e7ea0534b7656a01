package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crm-callsync/internal/calllog"
	"crm-callsync/internal/notes"
	"crm-callsync/internal/recstate"
	"crm-callsync/internal/session"
	"crm-callsync/internal/workqueue"
)

// Sources abstracts the stores a snapshot is built from.
//
// Each read is independent; a snapshot is not a transaction across stores.

type RecordingSource interface {
	Get(ctx context.Context) (recstate.State, error)
}

type CallLogSource interface {
	Get(ctx context.Context) (calllog.Stats, error)
}

type ActionCounter interface {
	PendingCount(ctx context.Context) (int64, error)
}

type NoteSource interface {
	Get(ctx context.Context) (*notes.Pending, error)
}

type FolderSource interface {
	Folder(ctx context.Context) (string, error)
}

type WorkSource interface {
	Pending(ctx context.Context) ([]workqueue.Info, error)
}

type IdentitySource interface {
	Identity(ctx context.Context) (session.Identity, error)
}

type Sources struct {
	Session   IdentitySource
	Recording RecordingSource
	CallLog   CallLogSource
	Actions   ActionCounter
	Notes     NoteSource
	Folder    FolderSource
	Work      WorkSource
}

type Service struct {
	src   Sources
	clock func() time.Time
}

func NewService(src Sources) *Service { return &Service{src: src, clock: time.Now} }

// Snapshot reads every configured source. Unset sources leave their
// section zero.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	out := Snapshot{GeneratedAt: s.clock().UTC(), WorkByState: map[workqueue.ItemState]int{}}

	if s.src.Session != nil {
		id, err := s.src.Session.Identity(ctx)
		switch {
		case err == nil:
			out.Session = SessionSummary{LoggedIn: true, AgentID: id.AgentID, DeviceID: id.DeviceID}
		case errors.Is(err, session.ErrNoSession):
		default:
			return Snapshot{}, fmt.Errorf("reporting: session: %w", err)
		}
	}
	if s.src.Recording != nil {
		st, err := s.src.Recording.Get(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reporting: recording state: %w", err)
		}
		out.Recording = st
	}
	if s.src.CallLog != nil {
		st, err := s.src.CallLog.Get(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reporting: call log stats: %w", err)
		}
		out.CallLog = st
	}
	if s.src.Actions != nil {
		n, err := s.src.Actions.PendingCount(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reporting: pending actions: %w", err)
		}
		out.PendingActions = n
	}
	if s.src.Notes != nil {
		p, err := s.src.Notes.Get(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reporting: pending note: %w", err)
		}
		out.PendingNote = p
	}
	if s.src.Folder != nil {
		dir, err := s.src.Folder.Folder(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reporting: folder: %w", err)
		}
		out.Folder = dir
	}
	if s.src.Work != nil {
		work, err := s.src.Work.Pending(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reporting: work: %w", err)
		}
		out.Work = work
		for _, w := range work {
			out.WorkByState[w.State]++
		}
	}
	return out, nil
}
