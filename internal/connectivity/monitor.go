// Package connectivity reports the device's network state so constrained
// work (upload on any network, folder scan on unmetered only) can be gated.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type State int

const (
	None State = iota
	Metered
	Unmetered
)

func (s State) String() string {
	switch s {
	case Metered:
		return "metered"
	case Unmetered:
		return "unmetered"
	default:
		return "none"
	}
}

func (s State) Connected() bool { return s != None }

// Monitor is the network state collaborator.
type Monitor interface {
	State() State
	// Subscribe delivers every state change. The returned func unsubscribes.
	Subscribe() (<-chan State, func())
}

// hub fans state changes out to subscribers.
type hub struct {
	mu    sync.Mutex
	state State
	subs  map[chan State]struct{}
}

func (h *hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *hub) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 4)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = map[chan State]struct{}{}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) set(s State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == s {
		return false
	}
	h.state = s
	for ch := range h.subs {
		select {
		case ch <- s:
		default:
		}
	}
	return true
}

// Static is a manually driven Monitor for tests and the CLI.
type Static struct {
	hub
}

func NewStatic(initial State) *Static {
	s := &Static{}
	s.state = initial
	return s
}

func (s *Static) Set(state State) { s.set(state) }

// Pinger checks reachability of a URL with HEAD requests on an interval.
type Pinger struct {
	hub

	url      string
	metered  bool
	interval time.Duration
	client   *http.Client
	log      *slog.Logger
}

type PingerConfig struct {
	URL      string
	Interval time.Duration
	// Metered reports a reachable network as metered instead of unmetered.
	Metered bool
	Timeout time.Duration
}

func NewPinger(cfg PingerConfig, log *slog.Logger) *Pinger {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Pinger{
		url:      cfg.URL,
		metered:  cfg.Metered,
		interval: cfg.Interval,
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      log.With("component", "connectivity"),
	}
}

// Run pings immediately and then on every tick until ctx is done.
func (p *Pinger) Run(ctx context.Context) error {
	p.ping(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.ping(ctx)
		}
	}
}

func (p *Pinger) ping(ctx context.Context) {
	next := None
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		resp, doErr := p.client.Do(req)
		if doErr == nil {
			_ = resp.Body.Close()
			next = Unmetered
			if p.metered {
				next = Metered
			}
		} else {
			err = doErr
		}
	}
	if ctx.Err() != nil {
		return
	}
	if p.set(next) {
		p.log.Info("network state changed", "state", next.String(), "error", errString(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
