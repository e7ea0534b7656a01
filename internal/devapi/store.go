package devapi

import (
	"context"
	"time"

	"crm-callsync/internal/calls"
)

// Store is the persistence contract of the backend.
//
// Implementations must enforce the call log dedup invariant:
// (agent_id, device_call_id) is unique.
type Store interface {
	CreateLead(ctx context.Context, l Lead) (Lead, error)
	GetLead(ctx context.Context, id int64) (Lead, error)
	// SearchLeads matches phone digits (suffix) or name (substring).
	SearchLeads(ctx context.Context, digits, name string, limit int) ([]Lead, error)
	SetLeadStatus(ctx context.Context, id int64, status string, now time.Time) (Lead, error)

	AddNote(ctx context.Context, n Note) (Note, error)
	ListNotes(ctx context.Context, leadID int64) ([]Note, error)
	AddFollowup(ctx context.Context, f Followup) (Followup, error)
	ListFollowups(ctx context.Context, leadID int64) ([]Followup, error)

	CreateRecording(ctx context.Context, r Recording) (Recording, error)
	GetRecording(ctx context.Context, id int64) (Recording, error)
	GetRecordingByKey(ctx context.Context, storageKey string) (Recording, error)
	// UpdateRecording writes the mutable fields (status, file, duration, completed_at).
	UpdateRecording(ctx context.Context, r Recording) error

	// InsertCallLog stores rec unless (AgentID, DeviceCallID) exists, in
	// which case it returns the stored record and created=false.
	InsertCallLog(ctx context.Context, rec calls.Record) (stored calls.Record, created bool, err error)
	ListCallLogs(ctx context.Context, agentID string, limit int) ([]calls.Record, error)
}
