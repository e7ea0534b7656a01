package reporting

import (
	"time"

	"crm-callsync/internal/calllog"
	"crm-callsync/internal/notes"
	"crm-callsync/internal/recstate"
	"crm-callsync/internal/upload"
	"crm-callsync/internal/workqueue"
)

// Snapshot is the device-side view the presentation layer renders.

type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`

	Session SessionSummary `json:"session"`

	Recording recstate.State `json:"recording"`
	CallLog   calllog.Stats  `json:"call_log"`

	PendingActions int64          `json:"pending_actions"`
	PendingNote    *notes.Pending `json:"pending_note,omitempty"`

	Folder string           `json:"folder,omitempty"`
	Work   []workqueue.Info `json:"work"`
	// WorkByState counts pending work per state (pending, blocked, running).
	WorkByState map[workqueue.ItemState]int `json:"work_by_state"`
}

type SessionSummary struct {
	LoggedIn bool   `json:"logged_in"`
	AgentID  string `json:"agent_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// UploadBacklog counts recording uploads that have not finished.
func (s Snapshot) UploadBacklog() int {
	n := 0
	for _, w := range s.Work {
		if w.Kind == upload.KindCompress || w.Kind == upload.KindUpload {
			n++
		}
	}
	return n
}
