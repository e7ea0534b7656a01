package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStatic_SubscribeReceivesChanges(t *testing.T) {
	s := NewStatic(None)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Set(Unmetered)
	select {
	case got := <-ch:
		if got != Unmetered {
			t.Fatalf("expected unmetered, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out")
	}
	if !s.State().Connected() {
		t.Fatalf("expected connected")
	}

	// Same state is not re-delivered.
	s.Set(Unmetered)
	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery %s", got)
	default:
	}
}

func TestStatic_UnsubscribeClosesChannel(t *testing.T) {
	s := NewStatic(None)
	ch, cancel := s.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	s.Set(Metered)
}

func TestPinger_ReportsReachability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
	}))

	p := NewPinger(PingerConfig{URL: srv.URL, Metered: true}, nil)
	p.ping(context.Background())
	if p.State() != Metered {
		t.Fatalf("expected metered, got %s", p.State())
	}

	srv.Close()
	p.ping(context.Background())
	if p.State() != None {
		t.Fatalf("expected none after server closed, got %s", p.State())
	}
}
