package recstate

// Status is the recording pipeline status surfaced to the presentation layer.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusQueued    Status = "queued"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRecording, StatusQueued, StatusUploading, StatusUploaded, StatusFailed:
		return true
	default:
		return false
	}
}

// State is the durable recording register. LastFileName identifies the
// recording the status belongs to; LastError is the most recent failure.
type State struct {
	ConsentGranted bool   `json:"consent_granted"`
	LastStatus     Status `json:"last_status"`
	LastFileName   string `json:"last_file_name,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// allowed lists the legal next statuses. A status may always repeat itself
// (retries re-enter the same step) and failed is reachable from anywhere.
var allowed = map[Status][]Status{
	StatusIdle:      {StatusRecording},
	StatusRecording: {StatusQueued},
	StatusQueued:    {StatusUploading, StatusRecording},
	StatusUploading: {StatusUploaded, StatusRecording},
	StatusUploaded:  {StatusRecording},
	StatusFailed:    {StatusRecording, StatusUploading},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if from == to || to == StatusFailed {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
