// Package orchestrator runs the call monitoring loop: it records answered
// calls when consent is granted, queues their upload when they end and
// leaves a pending note for the agent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crm-callsync/internal/calltrack"
	"crm-callsync/internal/phone"
	"crm-callsync/internal/recording"
	"crm-callsync/internal/recstate"
	"crm-callsync/internal/upload"
	"crm-callsync/internal/workqueue"
)

// flushTimeout bounds the best-effort flush of an active recording on
// shutdown.
const flushTimeout = 10 * time.Second

type Tracker interface {
	Start() bool
	Stop()
	Subscribe() (<-chan calltrack.Event, func())
}

type Recorder interface {
	Start(ctx context.Context) (recording.Handle, error)
	Stop(ctx context.Context) (recording.Result, error)
	Active(ctx context.Context) (recording.Handle, bool)
}

type NoteSlot interface {
	SetPending(ctx context.Context, phoneNumber string, endedAtMillis int64, durationMillis *int64) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, uniqueName string, policy workqueue.Policy, chain ...workqueue.Request) (string, error)
}

type Config struct {
	// UploadBackoff is the initial retry delay of upload chains.
	UploadBackoff time.Duration
}

// Monitor consumes tracker events one at a time, so recorder commands are
// issued in call order.
type Monitor struct {
	tracker  Tracker
	recorder Recorder
	state    *recstate.Store
	notes    NoteSlot
	queue    Enqueuer
	cfg      Config
	log      *slog.Logger

	// number of the call in progress, kept across events that omit it.
	number string
}

func New(tracker Tracker, recorder Recorder, state *recstate.Store, notes NoteSlot, queue Enqueuer, cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.UploadBackoff <= 0 {
		cfg.UploadBackoff = workqueue.DefaultBackoff
	}
	return &Monitor{
		tracker:  tracker,
		recorder: recorder,
		state:    state,
		notes:    notes,
		queue:    queue,
		cfg:      cfg,
		log:      log.With("component", "orchestrator"),
	}
}

// Run blocks until ctx is done. It fails immediately when the tracker
// cannot start.
func (m *Monitor) Run(ctx context.Context) error {
	events, unsubscribe := m.tracker.Subscribe()
	defer unsubscribe()

	if !m.tracker.Start() {
		return calltrack.ErrPermissionDenied
	}
	m.log.Info("call monitoring started")
	defer m.teardown(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Handle(ctx, ev)
		}
	}
}

// Handle applies one event. Run calls it; it is exported for hosts that
// drive the tracker themselves.
func (m *Monitor) Handle(ctx context.Context, ev calltrack.Event) {
	if !phone.IsBlank(ev.PhoneNumber) {
		m.number = ev.PhoneNumber
	}
	switch ev.Kind {
	case calltrack.Ringing:
		m.log.Info("incoming call", "phone_key", phone.Key(m.number))
	case calltrack.Connected:
		m.onConnected(ctx)
	case calltrack.Ended:
		m.onEnded(ctx, ev)
	}
}

func (m *Monitor) onConnected(ctx context.Context) {
	st, err := m.state.Get(ctx)
	if err != nil {
		m.log.Error("read recording state", "error", err)
		return
	}
	if !st.ConsentGranted {
		m.log.Info("recording consent not granted, call not recorded")
		return
	}
	h, err := m.recorder.Start(ctx)
	if err != nil {
		if errors.Is(err, recording.ErrAlreadyRecording) {
			m.log.Warn("recording already in progress")
			return
		}
		m.log.Error("start recording", "error", err)
		m.markFailed(ctx, "", err)
		return
	}
	if err := m.state.MarkRecording(ctx, h.File); err != nil {
		m.log.Warn("mark recording", "file_path", h.File, "error", err)
	}
}

func (m *Monitor) onEnded(ctx context.Context, ev calltrack.Event) {
	number := m.number
	m.number = ""

	if _, active := m.recorder.Active(ctx); active {
		if err := m.finish(ctx, number); err != nil {
			m.log.Error("finish recording", "error", err)
		}
	}

	if phone.IsBlank(number) {
		return
	}
	if err := m.notes.SetPending(ctx, number, ev.At.UnixMilli(), ev.DurationMillis); err != nil {
		m.log.Error("set pending call note", "error", err)
	}
}

// finish stops the active recording and queues its upload.
func (m *Monitor) finish(ctx context.Context, number string) error {
	h, _ := m.recorder.Active(ctx)
	res, err := m.recorder.Stop(ctx)
	if err != nil {
		m.markFailed(ctx, h.File, err)
		return err
	}
	if err := m.state.MarkQueued(ctx, res.File); err != nil {
		m.log.Warn("mark queued", "file_path", res.File, "error", err)
	}

	p := upload.Params{
		FilePath:        res.File,
		DurationSeconds: res.DurationSeconds,
		ConsentGranted:  true,
		PhoneNumber:     number,
		RecordedAt:      h.StartedAt.UTC().Format(time.RFC3339),
	}
	if _, err := upload.EnqueueRecording(ctx, m.queue, p, m.cfg.UploadBackoff); err != nil {
		err = fmt.Errorf("queue upload: %w", err)
		m.markFailed(ctx, res.File, err)
		return err
	}
	m.log.Info("recording queued for upload", "file_path", res.File, "duration_seconds", res.DurationSeconds)
	return nil
}

func (m *Monitor) markFailed(ctx context.Context, file string, cause error) {
	if err := m.state.MarkFailed(ctx, file, cause.Error()); err != nil && !errors.Is(err, recstate.ErrStale) {
		m.log.Warn("mark failed", "file_path", file, "error", err)
	}
}

// teardown stops the tracker and flushes an active recording into the
// upload queue. The process may exit before it completes.
func (m *Monitor) teardown(ctx context.Context) {
	m.tracker.Stop()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if _, active := m.recorder.Active(flushCtx); active {
		if err := m.finish(flushCtx, m.number); err != nil {
			m.log.Error("flush recording on shutdown", "error", err)
		}
	}
	m.log.Info("call monitoring stopped")
}
