package calltrack

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu         sync.Mutex
	fn         func(State, string)
	err        error
	registers  int
	unregister int
}

func (f *fakeSource) Register(fn func(State, string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	if f.err != nil {
		return f.err
	}
	f.fn = fn
	return nil
}

func (f *fakeSource) Unregister() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregister++
	f.fn = nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTracker(src Source) (*Tracker, *fakeClock) {
	tr := New(src, nil)
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	tr.clock = clk.Now
	return tr, clk
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestTracker_AnsweredCallScenario(t *testing.T) {
	tr, clk := newTracker(&fakeSource{})
	ch, cancel := tr.Subscribe()
	defer cancel()

	tr.OnStateChanged(StateRinging, "5551234567")
	tr.OnStateChanged(StateOffhook, "")
	clk.Advance(42 * time.Second)
	tr.OnStateChanged(StateIdle, "")

	got := drain(ch)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(got), got)
	}
	want := []Kind{Ringing, Connected, Ended}
	for i, ev := range got {
		if ev.Kind != want[i] || ev.PhoneNumber != "5551234567" {
			t.Fatalf("event %d: unexpected %+v", i, ev)
		}
	}
	if got[2].DurationMillis == nil || *got[2].DurationMillis != 42000 {
		t.Fatalf("expected 42000ms duration, got %v", got[2].DurationMillis)
	}
}

func TestTracker_MissedCallEndsWithoutDuration(t *testing.T) {
	tr, _ := newTracker(&fakeSource{})
	ch, cancel := tr.Subscribe()
	defer cancel()

	tr.OnStateChanged(StateRinging, "5550001111")
	tr.OnStateChanged(StateIdle, "")

	got := drain(ch)
	if len(got) != 2 || got[1].Kind != Ended {
		t.Fatalf("unexpected events: %+v", got)
	}
	if got[1].DurationMillis != nil {
		t.Fatalf("expected nil duration for unanswered call")
	}
}

func TestTracker_SuppressesRepeatedBlankNotifications(t *testing.T) {
	tr, _ := newTracker(&fakeSource{})
	ch, cancel := tr.Subscribe()
	defer cancel()

	tr.OnStateChanged(StateIdle, "")
	tr.OnStateChanged(StateOffhook, "")
	tr.OnStateChanged(StateOffhook, "")
	tr.OnStateChanged(StateOffhook, "5559998888")
	tr.OnStateChanged(StateIdle, "")
	tr.OnStateChanged(StateIdle, "")

	got := drain(ch)
	kinds := make([]Kind, len(got))
	for i, ev := range got {
		kinds[i] = ev.Kind
	}
	want := []Kind{Connected, Connected, Ended}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events: %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("unexpected events: %v", kinds)
		}
	}
	if got[0].PhoneNumber != "" || got[1].PhoneNumber != "5559998888" || got[2].PhoneNumber != "5559998888" {
		t.Fatalf("unexpected numbers: %+v", got)
	}
}

func TestTracker_ExactlyOneEndedPerCall(t *testing.T) {
	tr, _ := newTracker(&fakeSource{})
	ch, cancel := tr.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		tr.OnStateChanged(StateRinging, "5551234567")
		tr.OnStateChanged(StateRinging, "")
		tr.OnStateChanged(StateOffhook, "")
		tr.OnStateChanged(StateIdle, "")
		tr.OnStateChanged(StateIdle, "")
	}
	ended := 0
	for _, ev := range drain(ch) {
		if ev.Kind == Ended {
			ended++
		}
	}
	if ended != 5 {
		t.Fatalf("expected 5 ended events, got %d", ended)
	}
}

func TestTracker_NumberClearedAfterCall(t *testing.T) {
	tr, _ := newTracker(&fakeSource{})
	ch, cancel := tr.Subscribe()
	defer cancel()

	tr.OnStateChanged(StateRinging, "5551234567")
	tr.OnStateChanged(StateIdle, "")
	tr.OnStateChanged(StateOffhook, "")

	got := drain(ch)
	if got[len(got)-1].PhoneNumber != "" {
		t.Fatalf("expected number to reset between calls, got %q", got[len(got)-1].PhoneNumber)
	}
}

func TestTracker_StartIsIdempotentAndReportsPermissionDenial(t *testing.T) {
	src := &fakeSource{}
	tr, _ := newTracker(src)
	if !tr.Start() || !tr.Start() {
		t.Fatalf("expected start to succeed")
	}
	if src.registers != 1 {
		t.Fatalf("expected one registration, got %d", src.registers)
	}
	tr.Stop()
	tr.Stop()
	if src.unregister != 1 {
		t.Fatalf("expected one unregistration, got %d", src.unregister)
	}

	denied := &fakeSource{err: ErrPermissionDenied}
	tr2, _ := newTracker(denied)
	if tr2.Start() {
		t.Fatalf("expected start to fail on permission denial")
	}
}

func TestTracker_NoReplayForLateSubscribers(t *testing.T) {
	tr, _ := newTracker(&fakeSource{})
	tr.OnStateChanged(StateRinging, "5551234567")

	ch, cancel := tr.Subscribe()
	defer cancel()
	if got := drain(ch); len(got) != 0 {
		t.Fatalf("expected no replay, got %+v", got)
	}
}

func TestTracker_FullSubscriberDropsWithoutBlocking(t *testing.T) {
	tr, _ := newTracker(&fakeSource{})
	ch, cancel := tr.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < SubscriberBuffer; i++ {
			tr.OnStateChanged(StateRinging, "5551234567")
			tr.OnStateChanged(StateIdle, "")
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("publishing blocked on a full subscriber")
	}
	if n := len(drain(ch)); n != SubscriberBuffer {
		t.Fatalf("expected %d buffered events, got %d", SubscriberBuffer, n)
	}
}

func TestLineSource_FeedsTracker(t *testing.T) {
	input := strings.Join([]string{
		`{"state":"ringing","number":"5551234567"}`,
		`not json`,
		`{"state":"OFFHOOK"}`,
		`{"state":"IDLE"}`,
	}, "\n")
	src := NewLineSource(strings.NewReader(input), nil)
	tr, _ := newTracker(src)
	ch, cancel := tr.Subscribe()
	defer cancel()

	if !tr.Start() {
		t.Fatalf("expected start")
	}
	select {
	case <-src.Done():
	case <-time.After(time.Second):
		t.Fatalf("source did not finish")
	}
	got := drain(ch)
	if len(got) != 3 || got[2].Kind != Ended {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestLineSource_RegisterTwiceFails(t *testing.T) {
	src := NewLineSource(strings.NewReader(""), nil)
	if err := src.Register(func(State, string) {}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := src.Register(func(State, string) {}); err == nil {
		t.Fatalf("expected error on second register")
	}
	src.Unregister()
	if err := src.Register(func(State, string) {}); err != nil {
		t.Fatalf("register after unregister: %v", err)
	}
}

func TestOpenLineSource_MissingFile(t *testing.T) {
	src := OpenLineSource("/nonexistent/calls.ndjson", nil)
	err := src.Register(func(State, string) {})
	if err == nil || errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected plain open error, got %v", err)
	}
}
