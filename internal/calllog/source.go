package calllog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"

	"crm-callsync/internal/calls"
)

// Source is the device call log.
type Source interface {
	// Since returns up to limit entries with TimestampMillis > afterMillis,
	// oldest first.
	Since(ctx context.Context, afterMillis int64, limit int) ([]calls.Entry, error)
}

// FileSource reads an exported call log, a JSON array of entries, on every
// query so the export can be refreshed while the client runs. A missing file
// is an empty log.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// fileEntry accepts both the entry field names and common export aliases.
type fileEntry struct {
	ID           json.RawMessage `json:"id"`
	DeviceCallID string          `json:"device_call_id"`
	Number       string          `json:"number"`
	PhoneNumber  string          `json:"phone_number"`
	Type         json.RawMessage `json:"type"`
	CallType     string          `json:"call_type"`
	Date         int64           `json:"date"`
	Timestamp    int64           `json:"timestamp"`
	Duration     int64           `json:"duration"`
	DurationSecs int64           `json:"duration_seconds"`
	Name         string          `json:"name"`
	ContactName  string          `json:"contact_name"`
}

func (f fileEntry) entry() calls.Entry {
	e := calls.Entry{
		DeviceCallID:    f.DeviceCallID,
		PhoneNumber:     firstNonEmpty(f.PhoneNumber, f.Number),
		TimestampMillis: f.Timestamp,
		DurationSeconds: f.DurationSecs,
		ContactName:     firstNonEmpty(f.ContactName, f.Name),
	}
	if e.DeviceCallID == "" && len(f.ID) > 0 {
		e.DeviceCallID = unquote(f.ID)
	}
	if e.TimestampMillis == 0 {
		e.TimestampMillis = f.Date
	}
	if e.DurationSeconds == 0 {
		e.DurationSeconds = f.Duration
	}
	typ := f.CallType
	if typ == "" && len(f.Type) > 0 {
		typ = unquote(f.Type)
	}
	e.Type = calls.ParseCallType(typ)
	if e.DeviceCallID == "" {
		e.DeviceCallID = strconv.FormatInt(e.TimestampMillis, 10) + ":" + e.PhoneNumber
	}
	return e
}

func (s *FileSource) Since(ctx context.Context, afterMillis int64, limit int) ([]calls.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("calllog: read %s: %w", s.path, err)
	}
	var raw []fileEntry
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("calllog: decode %s: %w", s.path, err)
	}
	entries := make([]calls.Entry, 0, len(raw))
	for _, r := range raw {
		entries = append(entries, r.entry())
	}
	return Select(entries, afterMillis, limit), nil
}

// Select filters entries newer than afterMillis, sorted ascending by
// timestamp, truncated to limit (limit <= 0 means no limit).
func Select(entries []calls.Entry, afterMillis int64, limit int) []calls.Entry {
	out := make([]calls.Entry, 0, len(entries))
	for _, e := range entries {
		if e.TimestampMillis > afterMillis {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMillis < out[j].TimestampMillis })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func unquote(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
