package devapi

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"crm-callsync/internal/calls"
	"crm-callsync/internal/phone"
)

// MemoryStore keeps everything in process. It is the default storage of the
// dev backend and the backend used by end-to-end tests.
type MemoryStore struct {
	mu sync.Mutex

	nextID     int64
	leads      map[int64]Lead
	notes      []Note
	followups  []Followup
	recordings map[int64]Recording
	callLogs   map[int64]calls.Record
	callLogKey map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leads:      map[int64]Lead{},
		recordings: map[int64]Recording{},
		callLogs:   map[int64]calls.Record{},
		callLogKey: map[string]int64{},
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) CreateLead(_ context.Context, l Lead) (Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = m.id()
	m.leads[l.ID] = l
	return l, nil
}

func (m *MemoryStore) GetLead(_ context.Context, id int64) (Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return l, nil
}

func (m *MemoryStore) SearchLeads(_ context.Context, digits, name string, limit int) ([]Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = strings.ToLower(name)
	var out []Lead
	for _, l := range m.leads {
		switch {
		case digits != "" && strings.HasSuffix(phone.Digits(l.Phone), digits):
		case name != "" && strings.Contains(strings.ToLower(l.Name), name):
		default:
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetLeadStatus(_ context.Context, id int64, status string, now time.Time) (Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return Lead{}, ErrNotFound
	}
	l.Status = status
	l.UpdatedAt = now
	m.leads[id] = l
	return l, nil
}

func (m *MemoryStore) AddNote(_ context.Context, n Note) (Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leads[n.LeadID]; !ok {
		return Note{}, ErrNotFound
	}
	n.ID = m.id()
	m.notes = append(m.notes, n)
	return n, nil
}

func (m *MemoryStore) ListNotes(_ context.Context, leadID int64) ([]Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Note
	for _, n := range m.notes {
		if n.LeadID == leadID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MemoryStore) AddFollowup(_ context.Context, f Followup) (Followup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leads[f.LeadID]; !ok {
		return Followup{}, ErrNotFound
	}
	f.ID = m.id()
	m.followups = append(m.followups, f)
	return f, nil
}

func (m *MemoryStore) ListFollowups(_ context.Context, leadID int64) ([]Followup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Followup
	for _, f := range m.followups {
		if f.LeadID == leadID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateRecording(_ context.Context, r Recording) (Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.id()
	m.recordings[r.ID] = r
	return r, nil
}

func (m *MemoryStore) GetRecording(_ context.Context, id int64) (Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recordings[id]
	if !ok {
		return Recording{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) GetRecordingByKey(_ context.Context, storageKey string) (Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recordings {
		if r.StorageKey == storageKey {
			return r, nil
		}
	}
	return Recording{}, ErrNotFound
}

func (m *MemoryStore) UpdateRecording(_ context.Context, r Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recordings[r.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = r.Status
	cur.FileURL = r.FileURL
	cur.FileSizeBytes = r.FileSizeBytes
	cur.DurationSeconds = r.DurationSeconds
	cur.CompletedAt = r.CompletedAt
	m.recordings[r.ID] = cur
	return nil
}

func (m *MemoryStore) InsertCallLog(_ context.Context, rec calls.Record) (calls.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.AgentID + "\x00" + rec.DeviceCallID
	if id, ok := m.callLogKey[key]; ok {
		return m.callLogs[id], false, nil
	}
	rec.ID = m.id()
	m.callLogs[rec.ID] = rec
	m.callLogKey[key] = rec.ID
	return rec, true, nil
}

func (m *MemoryStore) ListCallLogs(_ context.Context, agentID string, limit int) ([]calls.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.Record
	for _, r := range m.callLogs {
		if agentID == "" || r.AgentID == agentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
