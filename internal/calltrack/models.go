package calltrack

import "time"

// State is the raw platform line state.
type State string

const (
	StateIdle    State = "IDLE"
	StateRinging State = "RINGING"
	StateOffhook State = "OFFHOOK"
)

func (s State) Valid() bool {
	return s == StateIdle || s == StateRinging || s == StateOffhook
}

// Kind is the high-level call lifecycle event type.
type Kind int

const (
	Ringing Kind = iota + 1
	Connected
	Ended
)

func (k Kind) String() string {
	switch k {
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is derived from platform notifications. PhoneNumber may be empty.
// DurationMillis is set only on Ended for calls that were connected.
type Event struct {
	Kind           Kind
	PhoneNumber    string
	DurationMillis *int64
	At             time.Time
}
