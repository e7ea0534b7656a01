// Package leads is the lead repository of the client: remote lead mutations
// with a durable offline queue, and phone to lead resolution.
package leads

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"crm-callsync/internal/api"
	"crm-callsync/internal/connectivity"
	"crm-callsync/internal/metrics"

	"github.com/google/uuid"
)

// Remote is the subset of the backend client used to apply lead mutations.
type Remote interface {
	AddNote(ctx context.Context, leadID int64, req api.NoteRequest) error
	UpdateStatus(ctx context.Context, leadID int64, req api.StatusRequest) error
	AddFollowup(ctx context.Context, leadID int64, req api.FollowupRequest) error
}

// Repository applies lead mutations, queueing them locally whenever the
// server cannot be reached.
//
// Queue invariants:
// - QueueAction never touches the network
// - replay is FIFO by creation time
// - an action is retried at most MaxRetries times, then dropped
type Repository struct {
	store   ActionStore
	remote  Remote
	net     connectivity.Monitor
	metrics *metrics.Pipeline
	log     *slog.Logger

	clock  func() time.Time
	newKey func() string

	// drainMu keeps two replays from delivering the same action twice.
	drainMu sync.Mutex
}

// NewRepository wires the queue. net may be nil, in which case the network
// is assumed available.
func NewRepository(store ActionStore, remote Remote, net connectivity.Monitor, m *metrics.Pipeline, log *slog.Logger) *Repository {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Repository{
		store:   store,
		remote:  remote,
		net:     net,
		metrics: m,
		log:     log.With("component", "leads"),
		clock:   time.Now,
		newKey:  func() string { return uuid.NewString() },
	}
}

// QueueAction stores a mutation for later delivery. payload is encoded as
// JSON unless it already is raw JSON.
func (r *Repository) QueueAction(ctx context.Context, leadID int64, actionType ActionType, payload any) (PendingAction, error) {
	return r.queue(ctx, leadID, actionType, payload, r.newKey())
}

func (r *Repository) queue(ctx context.Context, leadID int64, actionType ActionType, payload any, key string) (PendingAction, error) {
	if leadID <= 0 {
		return PendingAction{}, ErrInvalidLeadID
	}
	if strings.TrimSpace(string(actionType)) == "" {
		return PendingAction{}, ErrInvalidActionType
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return PendingAction{}, err
	}
	a, err := r.store.Insert(ctx, PendingAction{
		LeadID:         leadID,
		Type:           actionType,
		Payload:        raw,
		CreatedAt:      r.clock(),
		IdempotencyKey: key,
	})
	if err != nil {
		return PendingAction{}, fmt.Errorf("leads: queue action: %w", err)
	}
	r.log.Info("lead action queued", "lead_id", leadID, "action_type", string(actionType), "action_id", a.ID)
	return a, nil
}

// ProcessPendingActions replays the queue once, oldest first, and returns
// how many actions were handled. Per-action failures are absorbed.
func (r *Repository) ProcessPendingActions(ctx context.Context) (int, error) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	items, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("leads: list pending actions: %w", err)
	}

	processed := 0
	for _, a := range items {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		if !a.Type.Known() {
			r.log.Warn("dropping action of unknown type", "action_id", a.ID, "action_type", string(a.Type))
			if err := r.store.Delete(ctx, a.ID); err != nil {
				r.log.Error("delete pending action", "action_id", a.ID, "error", err)
				continue
			}
			processed++
			continue
		}

		if err := r.dispatch(ctx, a); err != nil {
			r.fail(ctx, a, err)
			continue
		}
		if err := r.store.Delete(ctx, a.ID); err != nil {
			r.log.Error("delete delivered action", "action_id", a.ID, "error", err)
			continue
		}
		processed++
		r.metrics.ActionsProcessed.Inc(ctx)
	}
	if processed > 0 {
		r.log.Info("pending lead actions processed", "processed", processed, "total", len(items))
	}
	return processed, nil
}

func (r *Repository) fail(ctx context.Context, a PendingAction, cause error) {
	if a.RetryCount < MaxRetries {
		if err := r.store.IncrementRetry(ctx, a.ID); err != nil {
			r.log.Error("increment action retry", "action_id", a.ID, "error", err)
			return
		}
		r.log.Warn("lead action failed, will retry",
			"action_id", a.ID, "lead_id", a.LeadID, "attempt", a.RetryCount+1, "error", cause)
		return
	}
	if err := r.store.Delete(ctx, a.ID); err != nil {
		r.log.Error("delete exhausted action", "action_id", a.ID, "error", err)
		return
	}
	r.metrics.ActionsDropped.Inc(ctx)
	r.log.Warn("lead action dropped after retries",
		"action_id", a.ID, "lead_id", a.LeadID, "action_type", string(a.Type), "error", cause)
}

func (r *Repository) dispatch(ctx context.Context, a PendingAction) error {
	switch a.Type {
	case ActionNote:
		var p NotePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("decode note payload: %w", err)
		}
		return r.remote.AddNote(ctx, a.LeadID, api.NoteRequest{Body: p.Body, IdempotencyKey: a.IdempotencyKey})
	case ActionStatus:
		var p StatusPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("decode status payload: %w", err)
		}
		return r.remote.UpdateStatus(ctx, a.LeadID, api.StatusRequest{Status: p.Status, IdempotencyKey: a.IdempotencyKey})
	case ActionFollowup:
		var p FollowupPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("decode followup payload: %w", err)
		}
		return r.remote.AddFollowup(ctx, a.LeadID, api.FollowupRequest{DueAt: p.DueAt, Note: p.Note, IdempotencyKey: a.IdempotencyKey})
	default:
		return ErrInvalidActionType
	}
}

// AddNote sends a note now when online and queues it otherwise. queued
// reports which path was taken.
func (r *Repository) AddNote(ctx context.Context, leadID int64, body string) (queued bool, err error) {
	return r.submit(ctx, leadID, ActionNote, NotePayload{Body: body})
}

func (r *Repository) UpdateStatus(ctx context.Context, leadID int64, status string) (queued bool, err error) {
	return r.submit(ctx, leadID, ActionStatus, StatusPayload{Status: status})
}

func (r *Repository) AddFollowup(ctx context.Context, leadID int64, dueAt time.Time, note string) (queued bool, err error) {
	return r.submit(ctx, leadID, ActionFollowup, FollowupPayload{DueAt: dueAt.UTC().Format(time.RFC3339), Note: note})
}

// submit shares one idempotency key between the direct attempt and the
// queued replay, so a send that reached the server is not applied twice.
func (r *Repository) submit(ctx context.Context, leadID int64, actionType ActionType, payload any) (bool, error) {
	if leadID <= 0 {
		return false, ErrInvalidLeadID
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return false, err
	}
	key := r.newKey()

	if r.online() {
		err := r.dispatch(ctx, PendingAction{LeadID: leadID, Type: actionType, Payload: raw, IdempotencyKey: key})
		if err == nil {
			r.metrics.ActionsProcessed.Inc(ctx)
			return false, nil
		}
		r.log.Warn("lead action failed, queueing", "lead_id", leadID, "action_type", string(actionType), "error", err)
	}

	if _, err := r.queue(ctx, leadID, actionType, raw, key); err != nil {
		return false, err
	}
	return true, nil
}

// PendingCount is the queue depth.
func (r *Repository) PendingCount(ctx context.Context) (int64, error) {
	return r.store.Count(ctx)
}

// Pending lists queued actions, oldest first.
func (r *Repository) Pending(ctx context.Context) ([]PendingAction, error) {
	return r.store.List(ctx)
}

// RegisterMetrics exposes the queue depth as a gauge.
func (r *Repository) RegisterMetrics() error {
	return r.metrics.RegisterDepth("callsync.actions.pending", "Offline lead actions waiting for delivery", r.PendingCount)
}

func (r *Repository) online() bool {
	return r.net == nil || r.net.State().Connected()
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("leads: invalid payload json")
		}
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("leads: encode payload: %w", err)
		}
		return b, nil
	}
}
