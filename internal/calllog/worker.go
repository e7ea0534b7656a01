// Package calllog pushes the device call log to the backend incrementally,
// resuming from a timestamp cursor.
package calllog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crm-callsync/internal/api"
	"crm-callsync/internal/calls"
	"crm-callsync/internal/metrics"
	"crm-callsync/internal/session"
	"crm-callsync/internal/workqueue"
)

const (
	KindSync = "calllog.sync"

	SyncPeriodicName = "call-log-sync"
	SyncNowName      = "call-log-sync-now"

	// BatchSize is how many entries are read from the device per query.
	BatchSize = 50

	DefaultSyncInterval = 30 * time.Minute

	ConsentSource = "device_call_log"
)

// Syncer is the call-log endpoint of the backend client.
type Syncer interface {
	SyncCallLog(ctx context.Context, req api.CallLogRequest) (*api.CallLogResponse, error)
}

type SessionChecker interface {
	HasSession(ctx context.Context) bool
}

type ConsentReader interface {
	ConsentGranted(ctx context.Context) (bool, error)
}

type Registrar interface {
	Register(kind string, h workqueue.Handler)
}

type PeriodicEnqueuer interface {
	EnqueuePeriodic(ctx context.Context, uniqueName string, policy workqueue.Policy, interval time.Duration, req workqueue.Request) (string, error)
}

// Worker syncs the call log in ascending timestamp order and stops a pass at
// the first failed entry so the cursor never skips it.
type Worker struct {
	src     Source
	api     Syncer
	session SessionChecker
	consent ConsentReader
	stats   *StatsStore
	metrics *metrics.Pipeline
	log     *slog.Logger
	clock   func() time.Time
}

func NewWorker(src Source, syncer Syncer, sess SessionChecker, consent ConsentReader, stats *StatsStore, m *metrics.Pipeline, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Worker{
		src:     src,
		api:     syncer,
		session: sess,
		consent: consent,
		stats:   stats,
		metrics: m,
		log:     log.With("component", "calllog"),
		clock:   time.Now,
	}
}

func (w *Worker) Register(r Registrar) {
	r.Register(KindSync, workqueue.HandlerFunc(w.Handle))
}

// SyncRequest is a sync pass that needs any network.
func SyncRequest() workqueue.Request {
	return workqueue.Request{Kind: KindSync, Network: workqueue.NetworkConnected}
}

// Handle maps a pass onto scheduler results: retry on a missing session or
// any failed entry.
func (w *Worker) Handle(ctx context.Context, _ workqueue.Job) workqueue.Result {
	st, err := w.Sync(ctx)
	if err != nil {
		return workqueue.Retry(err)
	}
	if st.FailureCount > 0 {
		return workqueue.Retry(fmt.Errorf("calllog: %d entries failed to sync", st.FailureCount))
	}
	return workqueue.Success(st)
}

// Sync runs one pass and returns the snapshot it persisted. An error means
// the pass could not start or the snapshot could not be written.
func (w *Worker) Sync(ctx context.Context) (Stats, error) {
	if !w.session.HasSession(ctx) {
		return Stats{}, session.ErrNoSession
	}
	prev, err := w.stats.Get(ctx)
	if err != nil {
		return Stats{}, err
	}
	consent := false
	if w.consent != nil {
		if consent, err = w.consent.ConsentGranted(ctx); err != nil {
			return Stats{}, err
		}
	}

	pass := Stats{LastSyncedAt: prev.LastSyncedAt}
	var passErr error
loop:
	for {
		batch, err := w.src.Since(ctx, pass.LastSyncedAt, BatchSize)
		if err != nil {
			passErr = fmt.Errorf("calllog: read device log: %w", err)
			pass.FailureCount++
			break
		}
		for _, e := range batch {
			resp, err := w.api.SyncCallLog(ctx, w.payload(e, consent))
			if err != nil {
				pass.FailureCount++
				w.metrics.CallLogsFailed.Inc(ctx)
				w.log.Warn("call log entry failed, stopping pass",
					"device_call_id", e.DeviceCallID, "timestamp", e.TimestampMillis, "error", err)
				break loop
			}
			if resp.Duplicate() {
				pass.DuplicateCount++
				w.metrics.CallLogsDuplicate.Inc(ctx)
			} else {
				pass.SyncedCount++
				w.metrics.CallLogsSynced.Inc(ctx)
			}
			if e.TimestampMillis > pass.LastSyncedAt {
				pass.LastSyncedAt = e.TimestampMillis
			}
		}
		if len(batch) < BatchSize {
			break
		}
	}

	pass.LastRunAt = w.clock().UnixMilli()
	if err := w.stats.Save(ctx, pass); err != nil {
		return pass, fmt.Errorf("calllog: save stats: %w", err)
	}
	w.log.Info("call log sync pass finished",
		"synced", pass.SyncedCount, "duplicates", pass.DuplicateCount,
		"failures", pass.FailureCount, "cursor", pass.LastSyncedAt)
	return pass, passErr
}

func (w *Worker) payload(e calls.Entry, consent bool) api.CallLogRequest {
	req := api.CallLogRequest{
		PhoneNumber:     e.PhoneNumber,
		CallType:        string(e.Type),
		DeviceCallID:    e.DeviceCallID,
		StartedAt:       e.StartedAt().Format(time.RFC3339),
		DurationSeconds: e.DurationSeconds,
		ConsentGranted:  consent,
		ConsentSource:   ConsentSource,
	}
	if end := e.EndedAt(); end != nil {
		s := end.UTC().Format(time.RFC3339)
		req.EndedAt = &s
	}
	if consent {
		s := w.clock().UTC().Format(time.RFC3339)
		req.ConsentRecordedAt = &s
	}
	if e.ContactName != "" {
		req.Metadata = map[string]any{"contact_name": e.ContactName}
	}
	return req
}

// SchedulePeriodic installs the recurring pass.
func SchedulePeriodic(ctx context.Context, q PeriodicEnqueuer, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	_, err := q.EnqueuePeriodic(ctx, SyncPeriodicName, workqueue.Keep, interval, SyncRequest())
	return err
}
