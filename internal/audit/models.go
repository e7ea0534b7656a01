package audit

import "time"

// Event is an immutable, append-only record of something an agent did
// through the backend.
//
// Invariants:
// - Events are never updated or deleted.
// - agent_id is required; every mutation is attributed.
// - Audit writes are best-effort; they never fail the request that caused them.

type Event struct {
	ID       string    `json:"id" db:"id"`
	Type     EventType `json:"type" db:"type"`
	AgentID  string    `json:"agent_id" db:"agent_id"`
	DeviceID string    `json:"device_id,omitempty" db:"device_id"`

	// IPAddress is the resolved client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	LeadID      *int64 `json:"lead_id,omitempty" db:"lead_id"`
	RecordingID *int64 `json:"recording_id,omitempty" db:"recording_id"`
	CallLogID   *int64 `json:"call_log_id,omitempty" db:"call_log_id"`

	// Message is a short human-readable description.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventNoteAdded          EventType = "note_added"
	EventStatusChanged      EventType = "status_changed"
	EventFollowupAdded      EventType = "followup_added"
	EventCallLogged         EventType = "call_logged"
	EventRecordingCompleted EventType = "recording_completed"
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	LeadID  *int64
	AgentID string
	Limit   int
}

func (f Filter) matches(e Event) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.LeadID != nil && (e.LeadID == nil || *e.LeadID != *f.LeadID) {
		return false
	}
	return true
}
