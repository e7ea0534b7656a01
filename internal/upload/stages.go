package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"crm-callsync/internal/metrics"
	"crm-callsync/internal/recstate"
	"crm-callsync/internal/session"
	"crm-callsync/internal/workqueue"
)

// SessionChecker reports whether a signed-in session exists.
type SessionChecker interface {
	HasSession(ctx context.Context) bool
}

// LeadResolver maps a phone number to an optional lead id.
type LeadResolver interface {
	ResolveID(ctx context.Context, number string) (*int64, error)
}

// Registrar is the handler side of the scheduler.
type Registrar interface {
	Register(kind string, h workqueue.Handler)
}

// Enqueuer is the submit side of the scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, uniqueName string, policy workqueue.Policy, chain ...workqueue.Request) (string, error)
}

// Stages implements the compress and upload stages of the recording chain.
type Stages struct {
	uploader *Uploader
	state    *recstate.Store
	session  SessionChecker
	leads    LeadResolver
	metrics  *metrics.Pipeline
	log      *slog.Logger
	clock    func() time.Time

	// Retain keeps the local file after a successful upload.
	Retain bool
}

func NewStages(uploader *Uploader, state *recstate.Store, sess SessionChecker, leads LeadResolver, m *metrics.Pipeline, log *slog.Logger) *Stages {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Stages{
		uploader: uploader,
		state:    state,
		session:  sess,
		leads:    leads,
		metrics:  m,
		log:      log.With("component", "upload.stages"),
		clock:    time.Now,
	}
}

func (s *Stages) Register(r Registrar) {
	r.Register(KindCompress, workqueue.HandlerFunc(s.Compress))
	r.Register(KindUpload, workqueue.HandlerFunc(s.Upload))
}

// Chain builds the two stages for one recording.
func Chain(p Params, backoff time.Duration) []workqueue.Request {
	return []workqueue.Request{
		{Kind: KindCompress, Input: p, Network: workqueue.NetworkNone, Backoff: backoff},
		{Kind: KindUpload, Input: p, Network: workqueue.NetworkConnected, Backoff: backoff},
	}
}

// EnqueueRecording schedules the chain for p.FilePath. A chain already
// scheduled for the same file is kept.
func EnqueueRecording(ctx context.Context, q Enqueuer, p Params, backoff time.Duration) (string, error) {
	if p.FilePath == "" {
		return "", fmt.Errorf("upload: file path is required")
	}
	return q.Enqueue(ctx, UniqueName(p.FilePath), workqueue.Keep, Chain(p, backoff)...)
}

// Compress passes the file through unchanged. A transcoder plugs in here;
// it must leave the input in place until its output is written.
func (s *Stages) Compress(ctx context.Context, job workqueue.Job) workqueue.Result {
	var p Params
	if err := job.Bind(&p); err != nil {
		return workqueue.Failure(err)
	}
	if _, err := os.Stat(p.FilePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrMissingFile, p.FilePath)
		}
		return workqueue.Retry(err)
	}
	return workqueue.Success(map[string]any{"file_path": p.FilePath})
}

// Upload runs the recording protocol and keeps the recording state in step.
func (s *Stages) Upload(ctx context.Context, job workqueue.Job) workqueue.Result {
	var p Params
	if err := job.Bind(&p); err != nil {
		return workqueue.Failure(err)
	}
	log := s.log.With("file_path", p.FilePath, "attempt", job.Attempt)

	if !s.session.HasSession(ctx) {
		log.Info("no session, deferring upload")
		return workqueue.Retry(session.ErrNoSession)
	}

	leadID := p.LeadID
	if leadID == nil && p.PhoneNumber != "" && s.leads != nil {
		id, err := s.leads.ResolveID(ctx, p.PhoneNumber)
		if err != nil {
			log.Warn("resolve lead for recording", "error", err)
		}
		leadID = id
	}

	s.advance(log, s.state.MarkUploading(ctx, p.FilePath))

	out, err := s.uploader.Upload(ctx, Recording{
		FilePath:        p.FilePath,
		LeadID:          leadID,
		ConsentGranted:  p.ConsentGranted,
		RecordedAt:      p.RecordedAtTime(s.clock()),
		DurationSeconds: p.DurationSeconds,
	})
	if err != nil {
		s.metrics.RecordingsFailed.Inc(ctx)
		s.advance(log, s.state.MarkFailed(ctx, p.FilePath, err.Error()))
		log.Warn("recording upload failed", "error", err)
		return workqueue.Retry(err)
	}

	s.advance(log, s.state.MarkUploaded(ctx, p.FilePath))
	if !out.AlreadyCompleted {
		s.metrics.RecordingsUploaded.Inc(ctx)
	}
	if !s.Retain {
		if err := os.Remove(p.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("remove uploaded recording", "error", err)
		}
	}
	return workqueue.Success(map[string]any{
		"recording_id": out.RecordingID,
		"file_url":     out.FileURL,
	})
}

// advance logs a state update that did not apply. A stale update means a
// newer call owns the register.
func (s *Stages) advance(log *slog.Logger, err error) {
	switch {
	case err == nil:
	case errors.Is(err, recstate.ErrStale):
	default:
		log.Warn("update recording state", "error", err)
	}
}
