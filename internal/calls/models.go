// Package calls holds the call-log domain model shared by the device side
// (entries read from the phone's call log) and the backend side (records
// stored per agent).
package calls

import (
	"strconv"
	"strings"
	"time"
)

type CallType string

const (
	CallTypeIncoming  CallType = "incoming"
	CallTypeOutgoing  CallType = "outgoing"
	CallTypeMissed    CallType = "missed"
	CallTypeRejected  CallType = "rejected"
	CallTypeBlocked   CallType = "blocked"
	CallTypeVoicemail CallType = "voicemail"
	CallTypeUnknown   CallType = "unknown"
)

// ParseCallType accepts the type names above and the numeric codes used by
// Android call log exports (1 incoming, 2 outgoing, 3 missed, 4 voicemail,
// 5 rejected, 6 blocked).
func ParseCallType(raw string) CallType {
	s := strings.ToLower(strings.TrimSpace(raw))
	if n, err := strconv.Atoi(s); err == nil {
		switch n {
		case 1:
			return CallTypeIncoming
		case 2:
			return CallTypeOutgoing
		case 3:
			return CallTypeMissed
		case 4:
			return CallTypeVoicemail
		case 5:
			return CallTypeRejected
		case 6:
			return CallTypeBlocked
		}
		return CallTypeUnknown
	}
	switch CallType(s) {
	case CallTypeIncoming, CallTypeOutgoing, CallTypeMissed, CallTypeRejected, CallTypeBlocked, CallTypeVoicemail:
		return CallType(s)
	case "inbound":
		return CallTypeIncoming
	case "outbound":
		return CallTypeOutgoing
	}
	return CallTypeUnknown
}

// Entry is one row of the device call log.
type Entry struct {
	DeviceCallID string   `json:"device_call_id"`
	PhoneNumber  string   `json:"phone_number"`
	Type         CallType `json:"call_type"`
	// TimestampMillis is the call start, and the sync cursor unit.
	TimestampMillis int64  `json:"timestamp"`
	DurationSeconds int64  `json:"duration_seconds"`
	ContactName     string `json:"contact_name,omitempty"`
}

func (e Entry) StartedAt() time.Time { return time.UnixMilli(e.TimestampMillis).UTC() }

// EndedAt is nil for calls that never connected.
func (e Entry) EndedAt() *time.Time {
	if e.DurationSeconds <= 0 {
		return nil
	}
	t := e.StartedAt().Add(time.Duration(e.DurationSeconds) * time.Second)
	return &t
}

// Record is a call log as stored by the backend for one agent.
//
// Dedup invariant: (AgentID, DeviceCallID) is unique; a second submission
// of the same pair is reported as a duplicate and not stored.
type Record struct {
	ID                int64          `json:"id" db:"id"`
	AgentID           string         `json:"agent_id" db:"agent_id"`
	PhoneNumber       string         `json:"phone_number" db:"phone_number"`
	CallType          CallType       `json:"call_type" db:"call_type"`
	DeviceCallID      string         `json:"device_call_id" db:"device_call_id"`
	StartedAt         time.Time      `json:"started_at" db:"started_at"`
	EndedAt           *time.Time     `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds   int64          `json:"duration_seconds" db:"duration_seconds"`
	ConsentGranted    bool           `json:"consent_granted" db:"consent_granted"`
	ConsentRecordedAt *time.Time     `json:"consent_recorded_at,omitempty" db:"consent_recorded_at"`
	ConsentSource     string         `json:"consent_source" db:"consent_source"`
	Metadata          map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
}
