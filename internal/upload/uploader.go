package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"crm-callsync/internal/api"
	"crm-callsync/internal/kvstore"
)

// ProgressNamespace holds per-file upload checkpoints.
const ProgressNamespace = "upload_progress"

// completedRetention is how long a finished checkpoint is kept to absorb a
// re-run of the stage that completed it.
const completedRetention = 24 * time.Hour

// Backend is the recording half of the backend client.
type Backend interface {
	InitRecording(ctx context.Context, req api.InitRecordingRequest) (*api.RecordingInit, error)
	UploadRecording(ctx context.Context, uploadURL, contentType string, body io.Reader, size int64) (*api.UploadResult, error)
	CompleteRecording(ctx context.Context, id int64, req api.CompleteRecordingRequest) error
}

// Recording is one local file to send.
type Recording struct {
	FilePath        string
	LeadID          *int64
	ConsentGranted  bool
	RecordedAt      time.Time
	DurationSeconds int64
}

type Outcome struct {
	RecordingID   int64
	FileURL       string
	FileSizeBytes int64
	// Resumed is set when a checkpoint from an earlier attempt was reused.
	Resumed bool
	// AlreadyCompleted is set when an earlier attempt had finished and no
	// remote call was made.
	AlreadyCompleted bool
}

type checkpoint struct {
	RecordingID   int64  `json:"recording_id"`
	UploadURL     string `json:"upload_url"`
	FileURL       string `json:"file_url,omitempty"`
	FileSizeBytes int64  `json:"file_size_bytes,omitempty"`
	Uploaded      bool   `json:"uploaded,omitempty"`
	Completed     bool   `json:"completed,omitempty"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Uploader runs the recording protocol with a durable checkpoint per file so
// a retried attempt never creates a second remote recording.
type Uploader struct {
	backend  Backend
	progress *kvstore.Namespace
	log      *slog.Logger
	clock    func() time.Time
}

func NewUploader(backend Backend, kv kvstore.Store, log *slog.Logger) *Uploader {
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{
		backend:  backend,
		progress: kvstore.NewNamespace(kv, ProgressNamespace),
		log:      log.With("component", "upload"),
		clock:    time.Now,
	}
}

func (u *Uploader) Upload(ctx context.Context, rec Recording) (Outcome, error) {
	cp, found, err := u.load(ctx, rec.FilePath)
	if err != nil {
		return Outcome{}, err
	}
	if found && cp.Completed {
		return Outcome{RecordingID: cp.RecordingID, FileURL: cp.FileURL, FileSizeBytes: cp.FileSizeBytes, Resumed: true, AlreadyCompleted: true}, nil
	}

	info, err := os.Stat(rec.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Outcome{}, fmt.Errorf("%w: %s", ErrMissingFile, rec.FilePath)
		}
		return Outcome{}, fmt.Errorf("upload: stat %s: %w", rec.FilePath, err)
	}
	contentType := ContentType(rec.FilePath)
	out := Outcome{Resumed: found}

	if !found {
		created, err := u.backend.InitRecording(ctx, api.InitRecordingRequest{
			LeadID:         rec.LeadID,
			ContentType:    contentType,
			ConsentGranted: rec.ConsentGranted,
			RecordedAt:     rec.RecordedAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("upload: init: %w", err)
		}
		cp = checkpoint{RecordingID: created.ID, UploadURL: created.UploadURL}
		if err := u.save(ctx, rec.FilePath, cp); err != nil {
			return Outcome{}, err
		}
		u.log.Info("recording initialized", "file_path", rec.FilePath, "recording_id", created.ID)
	}
	out.RecordingID = cp.RecordingID

	if !cp.Uploaded {
		f, err := os.Open(rec.FilePath)
		if err != nil {
			return Outcome{}, fmt.Errorf("upload: open %s: %w", rec.FilePath, err)
		}
		res, err := u.backend.UploadRecording(ctx, cp.UploadURL, contentType, f, info.Size())
		_ = f.Close()
		if err != nil {
			if api.IsClientError(err) {
				// The upload URL was rejected; start over with a fresh init.
				if ferr := u.Forget(ctx, rec.FilePath); ferr != nil {
					u.log.Warn("clear upload checkpoint", "file_path", rec.FilePath, "error", ferr)
				}
			}
			return out, fmt.Errorf("upload: put: %w", err)
		}
		cp.FileURL = res.FileURL
		cp.FileSizeBytes = res.FileSizeBytes
		cp.Uploaded = true
		if err := u.save(ctx, rec.FilePath, cp); err != nil {
			return out, err
		}
	}
	out.FileURL = cp.FileURL
	out.FileSizeBytes = cp.FileSizeBytes

	if err := u.backend.CompleteRecording(ctx, cp.RecordingID, api.CompleteRecordingRequest{
		Status:          api.RecordingStatusUploaded,
		FileURL:         cp.FileURL,
		FileSizeBytes:   cp.FileSizeBytes,
		DurationSeconds: rec.DurationSeconds,
	}); err != nil {
		return out, fmt.Errorf("upload: complete: %w", err)
	}
	cp.Completed = true
	if err := u.save(ctx, rec.FilePath, cp); err != nil {
		u.log.Warn("persist completed checkpoint", "file_path", rec.FilePath, "error", err)
	}
	u.log.Info("recording uploaded",
		"file_path", rec.FilePath, "recording_id", cp.RecordingID, "file_size_bytes", cp.FileSizeBytes)
	return out, nil
}

// Forget drops the checkpoint for filePath.
func (u *Uploader) Forget(ctx context.Context, filePath string) error {
	return u.progress.Delete(ctx, filePath)
}

func (u *Uploader) load(ctx context.Context, filePath string) (checkpoint, bool, error) {
	raw, ok, err := u.progress.Get(ctx, filePath)
	if err != nil || !ok {
		return checkpoint{}, false, err
	}
	var cp checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		u.log.Warn("discard corrupt upload checkpoint", "file_path", filePath, "error", err)
		return checkpoint{}, false, nil
	}
	return cp, true, nil
}

// save writes cp and prunes finished checkpoints past their retention.
func (u *Uploader) save(ctx context.Context, filePath string, cp checkpoint) error {
	now := u.clock()
	cp.UpdatedAt = now.UnixMilli()
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return u.progress.Edit(ctx, func(values map[string]string) error {
		values[filePath] = string(b)
		cutoff := now.Add(-completedRetention).UnixMilli()
		for k, v := range values {
			if k == filePath {
				continue
			}
			var old checkpoint
			if json.Unmarshal([]byte(v), &old) == nil && old.Completed && old.UpdatedAt < cutoff {
				delete(values, k)
			}
		}
		return nil
	})
}
