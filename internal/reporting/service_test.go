package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"crm-callsync/internal/calllog"
	"crm-callsync/internal/kvstore"
	"crm-callsync/internal/notes"
	"crm-callsync/internal/recstate"
	"crm-callsync/internal/session"
	"crm-callsync/internal/upload"
	"crm-callsync/internal/workqueue"
)

type staticIdentity struct {
	id  session.Identity
	err error
}

func (s staticIdentity) Identity(context.Context) (session.Identity, error) { return s.id, s.err }

type staticCount int64

func (c staticCount) PendingCount(context.Context) (int64, error) { return int64(c), nil }

type staticWork []workqueue.Info

func (w staticWork) Pending(context.Context) ([]workqueue.Info, error) { return w, nil }

type failingNotes struct{}

func (failingNotes) Get(context.Context) (*notes.Pending, error) { return nil, errors.New("disk gone") }

func TestReporting_SnapshotAggregatesSources(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()

	state := recstate.NewStore(kv, nil)
	_ = state.SetConsent(ctx, true)
	_ = state.MarkRecording(ctx, "/rec/call_1.m4a")
	_ = state.MarkQueued(ctx, "/rec/call_1.m4a")

	stats := calllog.NewStatsStore(kv, nil)
	_ = stats.Save(ctx, calllog.Stats{LastSyncedAt: 2000, SyncedCount: 2, DuplicateCount: 1})

	pending := notes.NewStore(kv, nil)
	_ = pending.SetPending(ctx, "5551234567", 1700000000000, nil)

	work := staticWork{
		{UniqueName: upload.UniqueName("/rec/call_1.m4a"), Kind: upload.KindUpload, State: workqueue.StatePending},
		{UniqueName: "call-log-sync", Kind: "calllog.sync", State: workqueue.StatePending, Periodic: true},
		{UniqueName: upload.UniqueName("/rec/call_2.m4a"), Kind: upload.KindCompress, State: workqueue.StateRunning},
	}

	svc := NewService(Sources{
		Session:   staticIdentity{id: session.Identity{AgentID: "agent-1", DeviceID: "dev-1"}},
		Recording: state,
		CallLog:   stats,
		Actions:   staticCount(3),
		Notes:     pending,
		Work:      work,
	})
	now := time.Unix(1700000100, 0)
	svc.clock = func() time.Time { return now }

	out, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !out.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected generated_at %v", out.GeneratedAt)
	}
	if !out.Session.LoggedIn || out.Session.AgentID != "agent-1" {
		t.Fatalf("unexpected session %+v", out.Session)
	}
	if out.Recording.LastStatus != recstate.StatusQueued || !out.Recording.ConsentGranted {
		t.Fatalf("unexpected recording %+v", out.Recording)
	}
	if out.CallLog.LastSyncedAt != 2000 || out.CallLog.SyncedCount != 2 {
		t.Fatalf("unexpected call log %+v", out.CallLog)
	}
	if out.PendingActions != 3 {
		t.Fatalf("expected 3 pending actions, got %d", out.PendingActions)
	}
	if out.PendingNote == nil || out.PendingNote.PhoneNumber != "5551234567" {
		t.Fatalf("unexpected pending note %+v", out.PendingNote)
	}
	if out.UploadBacklog() != 2 {
		t.Fatalf("expected upload backlog 2, got %d", out.UploadBacklog())
	}
	if out.WorkByState[workqueue.StatePending] != 2 || out.WorkByState[workqueue.StateRunning] != 1 {
		t.Fatalf("unexpected work counts %+v", out.WorkByState)
	}
}

func TestReporting_LoggedOutIsNotAnError(t *testing.T) {
	svc := NewService(Sources{Session: staticIdentity{err: session.ErrNoSession}})
	out, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Session.LoggedIn {
		t.Fatalf("expected logged out")
	}
}

func TestReporting_SourceErrorFailsSnapshot(t *testing.T) {
	svc := NewService(Sources{Notes: failingNotes{}})
	if _, err := svc.Snapshot(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}
