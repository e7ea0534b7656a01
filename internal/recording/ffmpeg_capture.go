package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// FFmpegConfig selects the capture device. Defaults target PulseAudio.
type FFmpegConfig struct {
	Command     string
	InputFormat string
	InputDevice string
	SampleRate  int
	Channels    int
	Bitrate     string
}

func (c FFmpegConfig) withDefaults() FFmpegConfig {
	out := c
	if out.Command == "" {
		out.Command = "ffmpeg"
	}
	if out.InputFormat == "" {
		out.InputFormat = "pulse"
	}
	if out.InputDevice == "" {
		out.InputDevice = "default"
	}
	if out.SampleRate <= 0 {
		out.SampleRate = 16000
	}
	if out.Channels <= 0 {
		out.Channels = 1
	}
	if out.Bitrate == "" {
		out.Bitrate = "32k"
	}
	return out
}

// FFmpegCapture records the call audio device to an AAC file with ffmpeg.
type FFmpegCapture struct {
	cfg FFmpegConfig
}

func NewFFmpegCapture(cfg FFmpegConfig) *FFmpegCapture {
	return &FFmpegCapture{cfg: cfg.withDefaults()}
}

func (c *FFmpegCapture) Start(ctx context.Context, path string) (CaptureSession, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-y",
		"-f", c.cfg.InputFormat,
		"-i", c.cfg.InputDevice,
		"-ac", strconv.Itoa(c.cfg.Channels),
		"-ar", strconv.Itoa(c.cfg.SampleRate),
		"-c:a", "aac",
		"-b:a", c.cfg.Bitrate,
		path,
	}

	// The process must outlive the caller's ctx; it ends on Stop.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), c.cfg.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, trimSpace(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegSession{process: cmd.Process, stderr: &stderr, waitErr: waitErr}, nil
}

type ffmpegSession struct {
	process *os.Process
	stderr  *bytes.Buffer
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

// Stop interrupts ffmpeg so it writes the container trailer, killing it if
// it does not exit in time.
func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(3 * time.Second):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, trimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

// normalizeStopErr ignores the non-zero exit ffmpeg reports after SIGINT.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimSpace(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
