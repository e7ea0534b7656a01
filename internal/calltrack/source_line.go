package calltrack

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LineSource reads newline-delimited JSON notifications such as
// {"state":"RINGING","number":"+15551234567"} from a stream. It lets any
// desktop telephony bridge (or a named pipe) feed the tracker.
type LineSource struct {
	open func() (io.ReadCloser, error)
	log  *slog.Logger

	mu   sync.Mutex
	rc   io.ReadCloser
	done chan struct{}
}

type lineNotification struct {
	State  string `json:"state"`
	Number string `json:"number"`
}

// NewLineSource reads from r. Closing is left to the caller unless r is an io.Closer.
func NewLineSource(r io.Reader, log *slog.Logger) *LineSource {
	return newLineSource(func() (io.ReadCloser, error) {
		if rc, ok := r.(io.ReadCloser); ok {
			return rc, nil
		}
		return io.NopCloser(r), nil
	}, log)
}

// OpenLineSource reads from path; "-" means stdin.
func OpenLineSource(path string, log *slog.Logger) *LineSource {
	return newLineSource(func() (io.ReadCloser, error) {
		if path == "-" {
			return io.NopCloser(os.Stdin), nil
		}
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return f, err
	}, log)
}

func newLineSource(open func() (io.ReadCloser, error), log *slog.Logger) *LineSource {
	if log == nil {
		log = slog.Default()
	}
	return &LineSource{open: open, log: log.With("component", "calltrack.source")}
}

func (s *LineSource) Register(fn func(state State, number string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rc != nil {
		return errors.New("calltrack: source already registered")
	}
	rc, err := s.open()
	if err != nil {
		return err
	}
	s.rc = rc
	s.done = make(chan struct{})
	go s.read(rc, fn, s.done)
	return nil
}

func (s *LineSource) read(r io.Reader, fn func(State, string), done chan struct{}) {
	defer close(done)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var n lineNotification
		if err := json.Unmarshal([]byte(line), &n); err != nil {
			s.log.Warn("skip malformed call state line", "error", err)
			continue
		}
		fn(State(strings.ToUpper(strings.TrimSpace(n.State))), n.Number)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.log.Warn("call state stream ended", "error", err)
	}
}

// Done is closed when the current stream reaches EOF or is unregistered.
func (s *LineSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

func (s *LineSource) Unregister() {
	s.mu.Lock()
	rc := s.rc
	s.rc = nil
	s.mu.Unlock()
	if rc != nil {
		_ = rc.Close()
	}
}
