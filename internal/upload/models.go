// Package upload moves call recordings to the backend: a durable two-stage
// chain for recordings made by this client, and a folder scan for
// recordings produced by other apps.
package upload

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// Work kinds registered on the scheduler.
const (
	KindCompress   = "recording.compress"
	KindUpload     = "recording.upload"
	KindFolderScan = "folder.scan"
)

var (
	ErrNoFolder    = errors.New("upload: no recordings folder selected")
	ErrNotADir     = errors.New("upload: not a directory")
	ErrMissingFile = errors.New("upload: recording file missing")
)

// Params is the input of the recording chain.
type Params struct {
	FilePath        string `json:"file_path"`
	DurationSeconds int64  `json:"duration_seconds"`
	ConsentGranted  bool   `json:"consent_granted"`
	PhoneNumber     string `json:"phone_number,omitempty"`
	RecordedAt      string `json:"recorded_at"`
	LeadID          *int64 `json:"lead_id,omitempty"`
}

// RecordedAtTime parses RecordedAt, falling back to now.
func (p Params) RecordedAtTime(now time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, p.RecordedAt); err == nil {
		return t
	}
	return now
}

// UniqueName is the scheduler name of the chain for one file. Enqueueing
// the same file twice keeps the first chain.
func UniqueName(filePath string) string { return "upload:" + filePath }

// Scheduler names of the folder scan.
const (
	FolderScanPeriodicName = "folder-scan"
	FolderScanNowName      = "folder-scan-now"
)

var contentTypes = map[string]string{
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".aac":  "audio/aac",
	".mp3":  "audio/mpeg",
	".amr":  "audio/amr",
	".3gp":  "audio/3gpp",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
}

// IsAudioFile reports whether name has a recognised audio extension.
func IsAudioFile(name string) bool {
	_, ok := contentTypes[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ContentType maps a file name to the content type sent on init.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// EstimateDurationSeconds guesses a duration from the file size for files
// that carry no usable metadata.
func EstimateDurationSeconds(sizeBytes int64) int64 {
	d := sizeBytes / 12000
	if d < 1 {
		return 1
	}
	return d
}
