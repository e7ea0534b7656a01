package workqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Policy decides what Enqueue does when unfinished work with the same
// unique name exists.
type Policy int

const (
	// Keep leaves the existing work untouched and drops the new request.
	Keep Policy = iota
	// Replace cancels the existing work and enqueues the new request.
	Replace
)

// NetworkType is the connectivity a stage needs before it may run.
type NetworkType int

const (
	NetworkNone NetworkType = iota
	NetworkConnected
	NetworkUnmetered
)

// ItemState is the persisted lifecycle of one stage.
type ItemState string

const (
	StatePending   ItemState = "pending"
	StateBlocked   ItemState = "blocked" // waiting for the previous stage
	StateRunning   ItemState = "running"
	StateSucceeded ItemState = "succeeded"
	StateFailed    ItemState = "failed"
	StateCancelled ItemState = "cancelled"
)

func (s ItemState) active() bool {
	return s == StatePending || s == StateBlocked || s == StateRunning
}

const (
	DefaultBackoff     = 30 * time.Second
	MaxBackoff         = 5 * time.Hour
	DefaultMaxAttempts = 20
)

// Request describes one stage of work.
type Request struct {
	Kind string
	// Input must marshal to a JSON object. Output of the previous stage is
	// merged over it before the stage runs.
	Input        any
	Network      NetworkType
	Backoff      time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
}

func (r Request) withDefaults() Request {
	out := r
	if out.Backoff <= 0 {
		out.Backoff = DefaultBackoff
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	return out
}

// Job is what a Handler receives.
type Job struct {
	ID         string
	UniqueName string
	Kind       string
	// Attempt is 1 on the first run.
	Attempt int
	Input   json.RawMessage
}

// Bind decodes the job input into v.
func (j Job) Bind(v any) error {
	if err := json.Unmarshal(j.Input, v); err != nil {
		return fmt.Errorf("workqueue: decode %s input: %w", j.Kind, err)
	}
	return nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeFailure
)

// Result is returned by handlers.
type Result struct {
	outcome outcome
	output  any
	err     error
}

// Success completes the stage; output (a JSON object or nil) feeds the next stage.
func Success(output any) Result { return Result{outcome: outcomeSuccess, output: output} }

// Retry reschedules the stage with exponential backoff.
func Retry(err error) Result { return Result{outcome: outcomeRetry, err: err} }

// Failure ends the stage and cancels the rest of the chain.
func Failure(err error) Result { return Result{outcome: outcomeFailure, err: err} }

func (r Result) String() string {
	switch r.outcome {
	case outcomeSuccess:
		return "success"
	case outcomeRetry:
		return "retry"
	default:
		return "failure"
	}
}

// IsSuccess, IsRetry and IsFailure let callers outside the queue inspect a
// result returned by a handler they invoked directly.
func (r Result) IsSuccess() bool { return r.outcome == outcomeSuccess }
func (r Result) IsRetry() bool   { return r.outcome == outcomeRetry }
func (r Result) IsFailure() bool { return r.outcome == outcomeFailure }
func (r Result) Err() error      { return r.err }
func (r Result) Output() any     { return r.output }

// Info summarises the current chain for a unique name.
type Info struct {
	UniqueName string    `json:"unique_name"`
	ChainID    string    `json:"chain_id"`
	Kind       string    `json:"kind"`
	State      ItemState `json:"state"`
	Stage      int       `json:"stage"`
	Stages     int       `json:"stages"`
	Attempts   int       `json:"attempts"`
	NextRunAt  time.Time `json:"next_run_at"`
	Periodic   bool      `json:"periodic"`
	LastError  string    `json:"last_error,omitempty"`
}

// backoffDelay is initial * 2^(attempt-1), capped at MaxBackoff.
func backoffDelay(initial time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}
