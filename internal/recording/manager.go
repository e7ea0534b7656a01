// Package recording controls audio capture for calls. A single recording
// may be active at a time; all calls into the Manager are serialized through
// its command loop.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var (
	ErrAlreadyRecording = errors.New("recording: already recording")
	ErrNotRecording     = errors.New("recording: no active recording")
	ErrClosed           = errors.New("recording: manager closed")
)

// AudioCapture is the platform audio binding. Start begins writing a
// playable file at path; Stop on the session finalizes it.
type AudioCapture interface {
	Start(ctx context.Context, path string) (CaptureSession, error)
}

type CaptureSession interface {
	Stop() error
}

// Handle identifies the active recording.
type Handle struct {
	File      string
	StartedAt time.Time
}

// Result is a completed recording.
type Result struct {
	File            string
	DurationSeconds int64
}

type Manager struct {
	capture AudioCapture
	dir     string
	ext     string
	log     *slog.Logger
	clock   func() time.Time

	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once
}

type Config struct {
	Dir string
	// Extension defaults to ".m4a".
	Extension string
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdActive
)

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan reply
}

type reply struct {
	handle Handle
	result Result
	active bool
	err    error
}

// active is owned by the command loop.
type active struct {
	handle  Handle
	session CaptureSession
}

func NewManager(capture AudioCapture, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Extension == "" {
		cfg.Extension = ".m4a"
	}
	m := &Manager{
		capture: capture,
		dir:     cfg.Dir,
		ext:     cfg.Extension,
		log:     log.With("component", "recording"),
		clock:   time.Now,
		cmds:    make(chan command),
		done:    make(chan struct{}),
	}
	go m.loop()
	return m
}

// Start begins a new recording.
func (m *Manager) Start(ctx context.Context) (Handle, error) {
	r, err := m.send(ctx, cmdStart)
	if err != nil {
		return Handle{}, err
	}
	return r.handle, r.err
}

// Stop finalizes the active recording.
func (m *Manager) Stop(ctx context.Context) (Result, error) {
	r, err := m.send(ctx, cmdStop)
	if err != nil {
		return Result{}, err
	}
	return r.result, r.err
}

// Active returns the active recording, if any.
func (m *Manager) Active(ctx context.Context) (Handle, bool) {
	r, err := m.send(ctx, cmdActive)
	if err != nil {
		return Handle{}, false
	}
	return r.handle, r.active
}

// Close stops the command loop. An active recording is stopped and its
// file left in place.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Manager) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// send delivers a command and waits for its reply. ctx bounds only the
// delivery: once the loop has the command its outcome is always returned, so
// a started capture is never left untracked by the caller.
func (m *Manager) send(ctx context.Context, kind commandKind) (reply, error) {
	if m.closed() {
		return reply{}, ErrClosed
	}
	cmd := command{kind: kind, ctx: ctx, reply: make(chan reply, 1)}
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	return <-cmd.reply, nil
}

func (m *Manager) loop() {
	var cur *active
	for {
		select {
		case <-m.done:
			if cur != nil {
				if err := cur.session.Stop(); err != nil {
					m.log.Warn("stop recording on close", "file_path", cur.handle.File, "error", err)
				}
			}
			return
		case cmd := <-m.cmds:
			if m.closed() {
				cmd.reply <- reply{err: ErrClosed}
				continue
			}
			switch cmd.kind {
			case cmdStart:
				if cur != nil {
					cmd.reply <- reply{err: ErrAlreadyRecording}
					continue
				}
				a, err := m.start(cmd.ctx)
				if err != nil {
					cmd.reply <- reply{err: err}
					continue
				}
				cur = a
				cmd.reply <- reply{handle: a.handle, active: true}
			case cmdStop:
				if cur == nil {
					cmd.reply <- reply{err: ErrNotRecording}
					continue
				}
				res, err := m.stop(cur)
				cur = nil
				cmd.reply <- reply{result: res, err: err}
			case cmdActive:
				if cur == nil {
					cmd.reply <- reply{}
					continue
				}
				cmd.reply <- reply{handle: cur.handle, active: true}
			}
		}
	}
}

func (m *Manager) start(ctx context.Context) (*active, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create dir: %w", err)
	}
	now := m.clock()
	file := filepath.Join(m.dir, "call_"+strconv.FormatInt(now.UnixMilli(), 10)+m.ext)

	session, err := m.capture.Start(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("recording: start capture: %w", err)
	}
	m.log.Info("recording started", "file_path", file)
	return &active{handle: Handle{File: file, StartedAt: now}, session: session}, nil
}

func (m *Manager) stop(a *active) (Result, error) {
	duration := int64(m.clock().Sub(a.handle.StartedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}
	if err := a.session.Stop(); err != nil {
		return Result{}, fmt.Errorf("recording: stop capture: %w", err)
	}
	if _, err := os.Stat(a.handle.File); err != nil {
		return Result{}, fmt.Errorf("recording: output missing: %w", err)
	}
	m.log.Info("recording stopped", "file_path", a.handle.File, "duration_seconds", duration)
	return Result{File: a.handle.File, DurationSeconds: duration}, nil
}
