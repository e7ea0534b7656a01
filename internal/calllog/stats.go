package calllog

import (
	"context"
	"log/slog"
	"time"

	"crm-callsync/internal/kvstore"
)

// Namespace holds the sync cursor and the counters of the last pass.
const Namespace = "call_log_sync"

const (
	keyLastSyncedAt = "last_synced_at"
	keySynced       = "synced_count"
	keyDuplicate    = "duplicate_count"
	keyFailure      = "failure_count"
	keyLastRunAt    = "last_run_at"
)

// Stats is the snapshot written after each pass. The counters describe that
// pass only; LastSyncedAt is the cursor.
type Stats struct {
	LastSyncedAt   int64 `json:"last_synced_at"`
	SyncedCount    int64 `json:"synced_count"`
	DuplicateCount int64 `json:"duplicate_count"`
	FailureCount   int64 `json:"failure_count"`
	LastRunAt      int64 `json:"last_run_at,omitempty"`
}

func (s Stats) LastRun() time.Time {
	if s.LastRunAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.LastRunAt)
}

type StatsStore struct {
	ns  *kvstore.Namespace
	log *slog.Logger
}

func NewStatsStore(kv kvstore.Store, log *slog.Logger) *StatsStore {
	if log == nil {
		log = slog.Default()
	}
	return &StatsStore{ns: kvstore.NewNamespace(kv, Namespace), log: log.With("component", "calllog.stats")}
}

func (s *StatsStore) Get(ctx context.Context) (Stats, error) {
	values, err := s.ns.Snapshot(ctx)
	if err != nil {
		return Stats{}, err
	}
	return decodeStats(values), nil
}

// Save writes a pass snapshot. The cursor never moves backwards.
func (s *StatsStore) Save(ctx context.Context, st Stats) error {
	return s.ns.Edit(ctx, func(values map[string]string) error {
		cur := kvstore.Int64(values, keyLastSyncedAt, 0)
		if st.LastSyncedAt < cur {
			st.LastSyncedAt = cur
		}
		kvstore.SetInt64(values, keyLastSyncedAt, st.LastSyncedAt)
		kvstore.SetInt64(values, keySynced, st.SyncedCount)
		kvstore.SetInt64(values, keyDuplicate, st.DuplicateCount)
		kvstore.SetInt64(values, keyFailure, st.FailureCount)
		kvstore.SetInt64(values, keyLastRunAt, st.LastRunAt)
		return nil
	})
}

// Reset clears the cursor so the next pass resends the full history; the
// server deduplicates.
func (s *StatsStore) Reset(ctx context.Context) error {
	return s.ns.Delete(ctx, keyLastSyncedAt, keySynced, keyDuplicate, keyFailure, keyLastRunAt)
}

// Observe streams the stats after every change, starting with the current
// snapshot.
func (s *StatsStore) Observe(ctx context.Context) <-chan Stats {
	out := make(chan Stats, 1)
	changes := s.ns.Observe(ctx)
	go func() {
		defer close(out)
		for range changes {
			st, err := s.Get(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("read call log stats", "error", err)
				}
				continue
			}
			select {
			case out <- st:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func decodeStats(values map[string]string) Stats {
	return Stats{
		LastSyncedAt:   kvstore.Int64(values, keyLastSyncedAt, 0),
		SyncedCount:    kvstore.Int64(values, keySynced, 0),
		DuplicateCount: kvstore.Int64(values, keyDuplicate, 0),
		FailureCount:   kvstore.Int64(values, keyFailure, 0),
		LastRunAt:      kvstore.Int64(values, keyLastRunAt, 0),
	}
}
