package api

import "time"

// Lead is the subset of a CRM lead the pipeline needs for phone matching.
type Lead struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Status string `json:"status,omitempty"`
}

type InitRecordingRequest struct {
	LeadID         *int64 `json:"lead_id,omitempty"`
	CallLogID      *int64 `json:"call_log_id,omitempty"`
	ContentType    string `json:"content_type"`
	ConsentGranted bool   `json:"consent_granted"`
	RecordedAt     string `json:"recorded_at"`
}

type RecordingInit struct {
	ID         int64  `json:"id"`
	UploadURL  string `json:"upload_url"`
	StorageKey string `json:"storage_key"`
}

type UploadResult struct {
	FileURL       string `json:"file_url"`
	FileSizeBytes int64  `json:"file_size_bytes"`
}

type CompleteRecordingRequest struct {
	Status          string `json:"status"`
	FileURL         string `json:"file_url"`
	FileSizeBytes   int64  `json:"file_size_bytes"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// RecordingStatusUploaded is the only completion status the client sends.
const RecordingStatusUploaded = "uploaded"

type CallLogRequest struct {
	PhoneNumber       string         `json:"phone_number"`
	CallType          string         `json:"call_type"`
	DeviceCallID      string         `json:"device_call_id"`
	StartedAt         string         `json:"started_at"`
	EndedAt           *string        `json:"ended_at,omitempty"`
	DurationSeconds   int64          `json:"duration_seconds"`
	ConsentGranted    bool           `json:"consent_granted"`
	ConsentRecordedAt *string        `json:"consent_recorded_at,omitempty"`
	ConsentSource     string         `json:"consent_source"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

const (
	CallLogCreated   = "created"
	CallLogDuplicate = "duplicate"
)

type CallLogResponse struct {
	Status string `json:"status"`
	ID     int64  `json:"id,omitempty"`
}

// Duplicate reports whether the server already had this call log.
func (r CallLogResponse) Duplicate() bool { return r.Status == CallLogDuplicate }

// Lead mutations. IdempotencyKey is sent as a header, never in the body.

type NoteRequest struct {
	Body           string `json:"body"`
	IdempotencyKey string `json:"-"`
}

type StatusRequest struct {
	Status         string `json:"status"`
	IdempotencyKey string `json:"-"`
}

type FollowupRequest struct {
	DueAt          string `json:"due_at"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"-"`
}

type LoginRequest struct {
	AgentID  string `json:"agent_id"`
	DeviceID string `json:"device_id"`
	APIKey   string `json:"api_key,omitempty"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
