// Package workqueue is a durable background work scheduler backed by SQLite.
// It provides unique-named enqueue with Keep/Replace policies, stage chaining,
// network constraints, exponential backoff and periodic work. State survives
// process restarts; stages left running by a crashed process run again.
package workqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"crm-callsync/internal/connectivity"
	"crm-callsync/pkg/utils"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound     = errors.New("workqueue: no work with that name")
	ErrInvalidChain = errors.New("workqueue: chain must contain at least one request with a kind")
)

const schema = `
CREATE TABLE IF NOT EXISTS work_items (
  id           TEXT PRIMARY KEY,
  unique_name  TEXT NOT NULL,
  chain_id     TEXT NOT NULL,
  stage        INTEGER NOT NULL,
  stages       INTEGER NOT NULL,
  kind         TEXT NOT NULL,
  input        TEXT NOT NULL,
  state        TEXT NOT NULL,
  network      INTEGER NOT NULL DEFAULT 0,
  backoff_ms   INTEGER NOT NULL,
  max_attempts INTEGER NOT NULL,
  attempts     INTEGER NOT NULL DEFAULT 0,
  period_ms    INTEGER NOT NULL DEFAULT 0,
  next_run_at  INTEGER NOT NULL,
  last_error   TEXT NOT NULL DEFAULT '',
  created_at   INTEGER NOT NULL,
  updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_items_due ON work_items(state, next_run_at);
CREATE INDEX IF NOT EXISTS idx_work_items_name ON work_items(unique_name, state);
CREATE INDEX IF NOT EXISTS idx_work_items_chain ON work_items(chain_id, stage);
`

// Handler runs one stage. It must be safe to re-run after a partial failure.
type Handler interface {
	Handle(ctx context.Context, job Job) Result
}

type HandlerFunc func(ctx context.Context, job Job) Result

func (f HandlerFunc) Handle(ctx context.Context, job Job) Result { return f(ctx, job) }

type Config struct {
	PollInterval time.Duration
	Concurrency  int
	// Network gates constrained stages. Nil means always unmetered.
	Network connectivity.Monitor
	// ClaimBatch bounds how many due items are inspected per poll.
	ClaimBatch int
}

func (c Config) withDefaults() Config {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 2
	}
	if out.ClaimBatch <= 0 {
		out.ClaimBatch = 100
	}
	return out
}

type Queue struct {
	db    *sql.DB
	cfg   Config
	log   *slog.Logger
	clock func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	kick     chan struct{}
	inflight atomic.Int32
}

// New creates the schema and returns stages left running by a previous
// process to pending.
func New(ctx context.Context, db *sql.DB, cfg Config, log *slog.Logger) (*Queue, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("workqueue: schema: %w", err)
	}
	q := &Queue{
		db:       db,
		cfg:      cfg.withDefaults(),
		log:      log.With("component", "workqueue"),
		clock:    time.Now,
		handlers: map[string]Handler{},
		kick:     make(chan struct{}, 1),
	}
	res, err := db.ExecContext(ctx,
		`UPDATE work_items SET state = ?, updated_at = ? WHERE state = ?`,
		StatePending, q.now(), StateRunning)
	if err != nil {
		return nil, fmt.Errorf("workqueue: recover running items: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.log.Info("recovered interrupted work", "count", n)
	}
	return q, nil
}

// Register binds a handler to a stage kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	q.handlers[kind] = h
	q.mu.Unlock()
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Kick wakes the run loop without waiting for the next poll.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) now() int64 { return q.clock().UnixMilli() }

// Enqueue stores a chain of stages under uniqueName. Stage N+1 runs only
// after stage N succeeds. It returns the chain id now responsible for the name.
func (q *Queue) Enqueue(ctx context.Context, uniqueName string, policy Policy, chain ...Request) (string, error) {
	return q.enqueue(ctx, uniqueName, policy, 0, chain)
}

// EnqueuePeriodic stores a single-stage job that is rescheduled interval
// after every completion.
func (q *Queue) EnqueuePeriodic(ctx context.Context, uniqueName string, policy Policy, interval time.Duration, req Request) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("workqueue: periodic interval must be > 0")
	}
	return q.enqueue(ctx, uniqueName, policy, interval, []Request{req})
}

func (q *Queue) enqueue(ctx context.Context, uniqueName string, policy Policy, period time.Duration, chain []Request) (string, error) {
	if uniqueName == "" || len(chain) == 0 {
		return "", ErrInvalidChain
	}
	inputs := make([]string, len(chain))
	for i, r := range chain {
		if r.Kind == "" {
			return "", ErrInvalidChain
		}
		b, err := encodeObject(r.Input)
		if err != nil {
			return "", fmt.Errorf("workqueue: encode %s input: %w", r.Kind, err)
		}
		inputs[i] = string(b)
	}

	chainID := ""
	enqueued := false
	err := utils.WithTx(ctx, q.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT chain_id FROM work_items WHERE unique_name = ? AND state IN (?, ?, ?) LIMIT 1`,
			uniqueName, StatePending, StateBlocked, StateRunning).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		now := q.now()
		if existing != "" {
			if policy == Keep {
				chainID = existing
				return nil
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE work_items SET state = ?, updated_at = ? WHERE unique_name = ? AND state IN (?, ?, ?)`,
				StateCancelled, now, uniqueName, StatePending, StateBlocked, StateRunning); err != nil {
				return err
			}
		}
		// Only the latest chain per name is kept for reporting.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM work_items WHERE unique_name = ? AND state IN (?, ?, ?)`,
			uniqueName, StateSucceeded, StateFailed, StateCancelled); err != nil {
			return err
		}

		chainID = uuid.NewString()
		for i, r := range chain {
			r = r.withDefaults()
			state := StateBlocked
			if i == 0 {
				state = StatePending
			}
			const ins = `
INSERT INTO work_items (id, unique_name, chain_id, stage, stages, kind, input, state, network,
  backoff_ms, max_attempts, attempts, period_ms, next_run_at, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, '', ?, ?)`
			if _, err := tx.ExecContext(ctx, ins,
				uuid.NewString(), uniqueName, chainID, i, len(chain), r.Kind, inputs[i], state, int(r.Network),
				r.Backoff.Milliseconds(), r.MaxAttempts, period.Milliseconds(), now+r.InitialDelay.Milliseconds(), now, now); err != nil {
				return err
			}
		}
		enqueued = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if enqueued {
		q.log.Debug("work enqueued", "unique_name", uniqueName, "chain_id", chainID, "stages", len(chain), "kind", chain[0].Kind)
		q.Kick()
	} else {
		q.log.Debug("work kept", "unique_name", uniqueName, "chain_id", chainID)
	}
	return chainID, nil
}

// Cancel stops all unfinished work for uniqueName.
func (q *Queue) Cancel(ctx context.Context, uniqueName string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE work_items SET state = ?, updated_at = ? WHERE unique_name = ? AND state IN (?, ?, ?)`,
		StateCancelled, q.now(), uniqueName, StatePending, StateBlocked, StateRunning)
	return err
}

// Run polls for due work until ctx is done, then waits for in-flight stages.
func (q *Queue) Run(ctx context.Context) error {
	var changes <-chan connectivity.State
	if q.cfg.Network != nil {
		ch, unsubscribe := q.cfg.Network.Subscribe()
		defer unsubscribe()
		changes = ch
	}

	var g errgroup.Group
	g.SetLimit(q.cfg.Concurrency)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.log.Info("work queue started", "concurrency", q.cfg.Concurrency, "poll_interval", q.cfg.PollInterval.String())
	for {
		q.poll(ctx, &g)
		select {
		case <-ctx.Done():
			_ = g.Wait()
			q.log.Info("work queue stopped")
			return nil
		case <-ticker.C:
		case <-q.kick:
		case <-changes:
		}
	}
}

func (q *Queue) poll(ctx context.Context, g *errgroup.Group) {
	free := q.cfg.Concurrency - int(q.inflight.Load())
	if free <= 0 || ctx.Err() != nil {
		return
	}
	items, err := q.claim(ctx, free)
	if err != nil {
		if ctx.Err() == nil {
			q.log.Error("claim work", "error", err)
		}
		return
	}
	for _, it := range items {
		q.inflight.Add(1)
		started := g.TryGo(func() error {
			defer q.inflight.Add(-1)
			q.execute(ctx, it)
			return nil
		})
		if !started {
			q.inflight.Add(-1)
			q.release(ctx, it)
		}
	}
}

// RunDue runs every currently due stage sequentially, including stages
// unblocked along the way, and returns how many ran.
func (q *Queue) RunDue(ctx context.Context) (int, error) {
	ran := 0
	for {
		items, err := q.claim(ctx, 1)
		if err != nil {
			return ran, err
		}
		if len(items) == 0 {
			return ran, nil
		}
		q.execute(ctx, items[0])
		ran++
	}
}

type item struct {
	id          string
	uniqueName  string
	chainID     string
	stage       int
	kind        string
	input       string
	network     NetworkType
	backoff     time.Duration
	maxAttempts int
	attempts    int
	period      time.Duration
}

func (q *Queue) claim(ctx context.Context, limit int) ([]item, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, unique_name, chain_id, stage, kind, input, network, backoff_ms, max_attempts, attempts, period_ms
FROM work_items
WHERE state = ? AND next_run_at <= ?
ORDER BY next_run_at ASC, created_at ASC, stage ASC
LIMIT ?`, StatePending, q.now(), q.cfg.ClaimBatch)
	if err != nil {
		return nil, err
	}
	var due []item
	for rows.Next() {
		var it item
		var network int
		var backoffMs, periodMs int64
		if err := rows.Scan(&it.id, &it.uniqueName, &it.chainID, &it.stage, &it.kind, &it.input,
			&network, &backoffMs, &it.maxAttempts, &it.attempts, &periodMs); err != nil {
			_ = rows.Close()
			return nil, err
		}
		it.network = NetworkType(network)
		it.backoff = time.Duration(backoffMs) * time.Millisecond
		it.period = time.Duration(periodMs) * time.Millisecond
		due = append(due, it)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []item
	for _, it := range due {
		if len(claimed) >= limit {
			break
		}
		if _, ok := q.handler(it.kind); !ok || !q.networkAllows(it.network) {
			continue
		}
		res, err := q.db.ExecContext(ctx,
			`UPDATE work_items SET state = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND state = ?`,
			StateRunning, q.now(), it.id, StatePending)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			it.attempts++
			claimed = append(claimed, it)
		}
	}
	return claimed, nil
}

// release hands back a claimed stage that could not be started.
func (q *Queue) release(ctx context.Context, it item) {
	_, err := q.db.ExecContext(context.WithoutCancel(ctx),
		`UPDATE work_items SET state = ?, attempts = attempts - 1, updated_at = ? WHERE id = ? AND state = ?`,
		StatePending, q.now(), it.id, StateRunning)
	if err != nil {
		q.log.Error("release work", "id", it.id, "error", err)
	}
}

func (q *Queue) networkAllows(n NetworkType) bool {
	if n == NetworkNone || q.cfg.Network == nil {
		return true
	}
	state := q.cfg.Network.State()
	switch n {
	case NetworkConnected:
		return state.Connected()
	case NetworkUnmetered:
		return state == connectivity.Unmetered
	default:
		return true
	}
}

func (q *Queue) execute(ctx context.Context, it item) {
	h, ok := q.handler(it.kind)
	if !ok {
		q.release(ctx, it)
		return
	}
	job := Job{ID: it.id, UniqueName: it.uniqueName, Kind: it.kind, Attempt: it.attempts, Input: json.RawMessage(it.input)}
	log := q.log.With("unique_name", it.uniqueName, "kind", it.kind, "attempt", it.attempts)

	start := q.clock()
	res := q.invoke(ctx, h, job, log)
	log.Debug("work finished", "result", res.String(), "duration_ms", q.clock().Sub(start).Milliseconds())

	if err := q.complete(context.WithoutCancel(ctx), it, res); err != nil {
		log.Error("record work result", "error", err)
	}
}

func (q *Queue) invoke(ctx context.Context, h Handler, job Job, log *slog.Logger) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("work panicked", "panic", fmt.Sprint(p))
			res = Retry(fmt.Errorf("panic: %v", p))
		}
	}()
	return h.Handle(ctx, job)
}

func (q *Queue) complete(ctx context.Context, it item, res Result) error {
	return utils.WithTx(ctx, q.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		now := q.now()
		var state string
		if err := tx.QueryRowContext(ctx, `SELECT state FROM work_items WHERE id = ?`, it.id).Scan(&state); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		// Cancelled or replaced while running: drop the result.
		if ItemState(state) != StateRunning {
			return nil
		}

		outcome := res.outcome
		errMsg := ""
		if res.err != nil {
			errMsg = res.err.Error()
		}
		if outcome == outcomeRetry && it.attempts >= it.maxAttempts {
			q.log.Warn("work exhausted retries", "unique_name", it.uniqueName, "kind", it.kind, "attempts", it.attempts)
			outcome = outcomeFailure
		}

		if it.period > 0 && outcome != outcomeRetry {
			_, err := tx.ExecContext(ctx,
				`UPDATE work_items SET state = ?, attempts = 0, next_run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				StatePending, now+it.period.Milliseconds(), errMsg, now, it.id)
			return err
		}

		switch outcome {
		case outcomeSuccess:
			if _, err := tx.ExecContext(ctx,
				`UPDATE work_items SET state = ?, last_error = '', updated_at = ? WHERE id = ?`,
				StateSucceeded, now, it.id); err != nil {
				return err
			}
			return q.unblockNext(ctx, tx, it, res.output, now)
		case outcomeRetry:
			next := now + backoffDelay(it.backoff, it.attempts).Milliseconds()
			_, err := tx.ExecContext(ctx,
				`UPDATE work_items SET state = ?, next_run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				StatePending, next, errMsg, now, it.id)
			return err
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE work_items SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				StateFailed, errMsg, now, it.id); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`UPDATE work_items SET state = ?, updated_at = ? WHERE chain_id = ? AND stage > ? AND state = ?`,
				StateCancelled, now, it.chainID, it.stage, StateBlocked)
			return err
		}
	})
}

func (q *Queue) unblockNext(ctx context.Context, tx *sql.Tx, it item, output any, now int64) error {
	var nextID, nextInput string
	err := tx.QueryRowContext(ctx,
		`SELECT id, input FROM work_items WHERE chain_id = ? AND stage = ? AND state = ?`,
		it.chainID, it.stage+1, StateBlocked).Scan(&nextID, &nextInput)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	merged, err := mergeObjects([]byte(nextInput), output)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE work_items SET state = ?, input = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		StatePending, string(merged), now, now, nextID)
	if err == nil {
		q.Kick()
	}
	return err
}

// Status reports the latest chain for uniqueName.
func (q *Queue) Status(ctx context.Context, uniqueName string) (Info, error) {
	infos, err := q.list(ctx, `WHERE unique_name = ?`, uniqueName)
	if err != nil {
		return Info{}, err
	}
	if len(infos) == 0 {
		return Info{}, ErrNotFound
	}
	return infos[0], nil
}

// Pending lists every chain that still has unfinished stages.
func (q *Queue) Pending(ctx context.Context) ([]Info, error) {
	infos, err := q.list(ctx, `WHERE chain_id IN (SELECT chain_id FROM work_items WHERE state IN (?, ?, ?))`,
		StatePending, StateBlocked, StateRunning)
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// list summarises chains: the reported stage is the first non-succeeded one
// (or the last stage when all succeeded).
func (q *Queue) list(ctx context.Context, where string, args ...any) ([]Info, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT unique_name, chain_id, stage, stages, kind, state, attempts, next_run_at, period_ms, last_error
FROM work_items `+where+`
ORDER BY created_at DESC, chain_id, stage ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byChain := map[string]*Info{}
	var order []string
	for rows.Next() {
		var (
			in       Info
			state    string
			nextRun  int64
			periodMs int64
		)
		if err := rows.Scan(&in.UniqueName, &in.ChainID, &in.Stage, &in.Stages, &in.Kind, &state,
			&in.Attempts, &nextRun, &periodMs, &in.LastError); err != nil {
			return nil, err
		}
		in.State = ItemState(state)
		in.NextRunAt = time.UnixMilli(nextRun)
		in.Periodic = periodMs > 0

		cur, ok := byChain[in.ChainID]
		if !ok {
			c := in
			byChain[in.ChainID] = &c
			order = append(order, in.ChainID)
			continue
		}
		// Rows arrive by ascending stage; advance past succeeded stages.
		if cur.State == StateSucceeded {
			*cur = in
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(order))
	for _, id := range order {
		out = append(out, *byChain[id])
	}
	return out, nil
}

func encodeObject(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return b, nil
}

// mergeObjects overlays output's top-level keys onto base.
func mergeObjects(base []byte, output any) ([]byte, error) {
	if output == nil {
		return base, nil
	}
	obj := map[string]any{}
	if err := json.Unmarshal(base, &obj); err != nil {
		return nil, err
	}
	b, err := encodeObject(output)
	if err != nil {
		return nil, err
	}
	over := map[string]any{}
	if err := json.Unmarshal(b, &over); err != nil {
		return nil, err
	}
	for k, v := range over {
		obj[k] = v
	}
	return json.Marshal(obj)
}
