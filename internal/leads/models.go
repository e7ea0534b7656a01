package leads

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("leads: not found")
	ErrInvalidLeadID     = errors.New("leads: invalid lead id")
	ErrInvalidActionType = errors.New("leads: invalid action type")
)

type ActionType string

const (
	ActionNote     ActionType = "note"
	ActionStatus   ActionType = "status"
	ActionFollowup ActionType = "followup"
)

func (t ActionType) Known() bool {
	switch t {
	case ActionNote, ActionStatus, ActionFollowup:
		return true
	default:
		return false
	}
}

// MaxRetries is how many failed replays an action survives. The pass that
// fails with RetryCount already at MaxRetries drops it.
const MaxRetries = 3

// PendingAction is a lead mutation waiting for the server.
type PendingAction struct {
	ID             int64           `json:"id"`
	LeadID         int64           `json:"lead_id"`
	Type           ActionType      `json:"action_type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	RetryCount     int             `json:"retry_count"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type NotePayload struct {
	Body string `json:"body"`
}

type StatusPayload struct {
	Status string `json:"status"`
}

type FollowupPayload struct {
	DueAt string `json:"due_at"`
	Note  string `json:"note"`
}
