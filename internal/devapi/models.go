// Package devapi is a development backend for the call pipeline: leads,
// call logs, recordings and lead mutations, with memory or Postgres storage.
package devapi

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("devapi: not found")
	ErrInvalidArgument = errors.New("devapi: invalid argument")
	ErrInvalidState    = errors.New("devapi: invalid state")
	// ErrInFlight means an identical request is still being processed.
	ErrInFlight     = errors.New("devapi: request in flight")
	ErrUnauthorized = errors.New("devapi: unauthorized")
)

type Lead struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Phone     string    `json:"phone" db:"phone"`
	Status    string    `json:"status,omitempty" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultLeadStatus is assigned to leads created without one.
const DefaultLeadStatus = "new"

type RecordingStatus string

const (
	// RecordingPending is registered but has no audio yet.
	RecordingPending RecordingStatus = "pending"
	// RecordingStored has audio but was not completed by the client.
	RecordingStored   RecordingStatus = "stored"
	RecordingUploaded RecordingStatus = "uploaded"
)

type Recording struct {
	ID              int64           `json:"id" db:"id"`
	AgentID         string          `json:"agent_id" db:"agent_id"`
	DeviceID        string          `json:"device_id" db:"device_id"`
	LeadID          *int64          `json:"lead_id,omitempty" db:"lead_id"`
	CallLogID       *int64          `json:"call_log_id,omitempty" db:"call_log_id"`
	ContentType     string          `json:"content_type" db:"content_type"`
	ConsentGranted  bool            `json:"consent_granted" db:"consent_granted"`
	RecordedAt      time.Time       `json:"recorded_at" db:"recorded_at"`
	StorageKey      string          `json:"storage_key" db:"storage_key"`
	Status          RecordingStatus `json:"status" db:"status"`
	FileURL         string          `json:"file_url,omitempty" db:"file_url"`
	FileSizeBytes   int64           `json:"file_size_bytes" db:"file_size_bytes"`
	DurationSeconds int64           `json:"duration_seconds" db:"duration_seconds"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

type Note struct {
	ID        int64     `json:"id" db:"id"`
	LeadID    int64     `json:"lead_id" db:"lead_id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Followup struct {
	ID        int64     `json:"id" db:"id"`
	LeadID    int64     `json:"lead_id" db:"lead_id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	DueAt     time.Time `json:"due_at" db:"due_at"`
	Note      string    `json:"note" db:"note"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Actor is the authenticated caller of a mutation.
type Actor struct {
	AgentID  string
	DeviceID string
	IP       string
}
