package workqueue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crm-callsync/internal/connectivity"
	"crm-callsync/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := utils.OpenSQLite(context.Background(), utils.SQLiteConfig{Path: filepath.Join(t.TempDir(), "work.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newQueue(t *testing.T, db *sql.DB, cfg Config) (*Queue, *testClock) {
	t.Helper()
	q, err := New(context.Background(), db, cfg, nil)
	require.NoError(t, err)
	clk := &testClock{now: time.Unix(1700000000, 0)}
	q.clock = clk.Now
	return q, clk
}

func TestChainMergesOutputIntoNextStage(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, openDB(t), Config{})

	var order []string
	q.Register("compress", HandlerFunc(func(ctx context.Context, job Job) Result {
		order = append(order, "compress")
		var in struct {
			FilePath string `json:"file_path"`
		}
		require.NoError(t, job.Bind(&in))
		return Success(map[string]any{"file_path": in.FilePath + ".opus"})
	}))
	var got struct {
		FilePath string `json:"file_path"`
		Duration int    `json:"duration_seconds"`
	}
	q.Register("upload", HandlerFunc(func(ctx context.Context, job Job) Result {
		order = append(order, "upload")
		require.NoError(t, job.Bind(&got))
		return Success(nil)
	}))

	_, err := q.Enqueue(ctx, "upload:/a.m4a", Keep,
		Request{Kind: "compress", Input: map[string]any{"file_path": "/a.m4a"}},
		Request{Kind: "upload", Input: map[string]any{"file_path": "/a.m4a", "duration_seconds": 42}, Network: NetworkConnected},
	)
	require.NoError(t, err)

	n, err := q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"compress", "upload"}, order)
	assert.Equal(t, "/a.m4a.opus", got.FilePath)
	assert.Equal(t, 42, got.Duration)

	info, err := q.Status(ctx, "upload:/a.m4a")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, info.State)
	assert.Equal(t, 1, info.Stage)
}

func TestKeepAndReplacePolicies(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, openDB(t), Config{})

	first, err := q.Enqueue(ctx, "scan", Keep, Request{Kind: "scan", Input: map[string]any{"n": 1}})
	require.NoError(t, err)
	kept, err := q.Enqueue(ctx, "scan", Keep, Request{Kind: "scan", Input: map[string]any{"n": 2}})
	require.NoError(t, err)
	assert.Equal(t, first, kept)

	replaced, err := q.Enqueue(ctx, "scan", Replace, Request{Kind: "scan", Input: map[string]any{"n": 3}})
	require.NoError(t, err)
	assert.NotEqual(t, first, replaced)

	var seen []int
	q.Register("scan", HandlerFunc(func(ctx context.Context, job Job) Result {
		var in struct{ N int }
		_ = job.Bind(&in)
		seen = append(seen, in.N)
		return Success(nil)
	}))
	_, err = q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, seen)
}

func TestRetryUsesExponentialBackoff(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t, openDB(t), Config{})

	var attempts []int
	q.Register("flaky", HandlerFunc(func(ctx context.Context, job Job) Result {
		attempts = append(attempts, job.Attempt)
		if job.Attempt < 3 {
			return Retry(errors.New("503"))
		}
		return Success(nil)
	}))
	_, err := q.Enqueue(ctx, "flaky", Keep, Request{Kind: "flaky", Backoff: 30 * time.Second})
	require.NoError(t, err)

	n, _ := q.RunDue(ctx)
	assert.Equal(t, 1, n)

	info, err := q.Status(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, StatePending, info.State)
	assert.Equal(t, "503", info.LastError)
	assert.Equal(t, clk.Now().Add(30*time.Second).UnixMilli(), info.NextRunAt.UnixMilli())

	clk.Advance(29 * time.Second)
	n, _ = q.RunDue(ctx)
	assert.Equal(t, 0, n)

	clk.Advance(time.Second)
	n, _ = q.RunDue(ctx)
	assert.Equal(t, 1, n)

	// Second retry waits 60s.
	clk.Advance(59 * time.Second)
	n, _ = q.RunDue(ctx)
	assert.Equal(t, 0, n)
	clk.Advance(time.Second)
	n, _ = q.RunDue(ctx)
	assert.Equal(t, 1, n)

	assert.Equal(t, []int{1, 2, 3}, attempts)
	info, _ = q.Status(ctx, "flaky")
	assert.Equal(t, StateSucceeded, info.State)
}

func TestFailureCancelsDownstream(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, openDB(t), Config{})
	var uploads atomic.Int32
	q.Register("compress", HandlerFunc(func(ctx context.Context, job Job) Result {
		return Failure(errors.New("corrupt audio"))
	}))
	q.Register("upload", HandlerFunc(func(ctx context.Context, job Job) Result {
		uploads.Add(1)
		return Success(nil)
	}))

	_, err := q.Enqueue(ctx, "c", Keep, Request{Kind: "compress"}, Request{Kind: "upload"})
	require.NoError(t, err)
	_, err = q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(0), uploads.Load())

	info, err := q.Status(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, "corrupt audio", info.LastError)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryExhaustionFails(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t, openDB(t), Config{})
	q.Register("never", HandlerFunc(func(ctx context.Context, job Job) Result {
		return Retry(errors.New("down"))
	}))
	_, err := q.Enqueue(ctx, "never", Keep, Request{Kind: "never", MaxAttempts: 3, Backoff: time.Second})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = q.RunDue(ctx)
		clk.Advance(time.Hour)
	}
	info, err := q.Status(ctx, "never")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, 3, info.Attempts)
}

func TestNetworkConstraintGatesWork(t *testing.T) {
	ctx := context.Background()
	net := connectivity.NewStatic(connectivity.Metered)
	q, _ := newQueue(t, openDB(t), Config{Network: net})
	var runs atomic.Int32
	q.Register("scan", HandlerFunc(func(ctx context.Context, job Job) Result {
		runs.Add(1)
		return Success(nil)
	}))
	_, err := q.Enqueue(ctx, "scan", Keep, Request{Kind: "scan", Network: NetworkUnmetered})
	require.NoError(t, err)

	n, _ := q.RunDue(ctx)
	assert.Equal(t, 0, n)

	net.Set(connectivity.Unmetered)
	n, _ = q.RunDue(ctx)
	assert.Equal(t, 1, n)
}

func TestUnregisteredKindIsNotClaimed(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, openDB(t), Config{})
	_, err := q.Enqueue(ctx, "x", Keep, Request{Kind: "later"})
	require.NoError(t, err)
	n, err := q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCrashRecoveryResetsRunningItems(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	q, _ := newQueue(t, db, Config{})
	_, err := q.Enqueue(ctx, "u", Keep, Request{Kind: "upload"})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE work_items SET state = 'running'`)
	require.NoError(t, err)

	q2, _ := newQueue(t, db, Config{})
	var runs atomic.Int32
	q2.Register("upload", HandlerFunc(func(ctx context.Context, job Job) Result {
		runs.Add(1)
		return Success(nil)
	}))
	n, err := q2.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), runs.Load())
}

func TestPeriodicReschedules(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t, openDB(t), Config{})
	var runs atomic.Int32
	q.Register("scan", HandlerFunc(func(ctx context.Context, job Job) Result {
		runs.Add(1)
		return Success(nil)
	}))
	_, err := q.EnqueuePeriodic(ctx, "folder-scan", Keep, 15*time.Minute, Request{Kind: "scan"})
	require.NoError(t, err)

	n, _ := q.RunDue(ctx)
	assert.Equal(t, 1, n)
	n, _ = q.RunDue(ctx)
	assert.Equal(t, 0, n)

	clk.Advance(15 * time.Minute)
	n, _ = q.RunDue(ctx)
	assert.Equal(t, 1, n)

	info, err := q.Status(ctx, "folder-scan")
	require.NoError(t, err)
	assert.True(t, info.Periodic)
	assert.Equal(t, StatePending, info.State)
	assert.Equal(t, 0, info.Attempts)
}

func TestPanicBecomesRetry(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, openDB(t), Config{})
	q.Register("boom", HandlerFunc(func(ctx context.Context, job Job) Result {
		panic("nil map")
	}))
	_, err := q.Enqueue(ctx, "boom", Keep, Request{Kind: "boom"})
	require.NoError(t, err)
	_, err = q.RunDue(ctx)
	require.NoError(t, err)

	info, err := q.Status(ctx, "boom")
	require.NoError(t, err)
	assert.Equal(t, StatePending, info.State)
	assert.Contains(t, info.LastError, "nil map")
}

func TestRunProcessesEnqueuedWork(t *testing.T) {
	q, _ := newQueue(t, openDB(t), Config{PollInterval: 10 * time.Millisecond, Concurrency: 2})
	done := make(chan string, 4)
	q.Register("job", HandlerFunc(func(ctx context.Context, job Job) Result {
		done <- job.UniqueName
		return Success(nil)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx) }()

	for _, name := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(context.Background(), name, Keep, Request{Kind: "job"})
		require.NoError(t, err)
	}
	seen := map[string]bool{}
	for len(seen) < 3 {
		select {
		case n := <-done:
			seen[n] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoffDelay(30*time.Second, 1))
	assert.Equal(t, 60*time.Second, backoffDelay(30*time.Second, 2))
	assert.Equal(t, 120*time.Second, backoffDelay(30*time.Second, 3))
	assert.Equal(t, MaxBackoff, backoffDelay(30*time.Second, 20))
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newQueue(t, openDB(t), Config{})
	_, err := q.Enqueue(context.Background(), "", Keep, Request{Kind: "x"})
	assert.ErrorIs(t, err, ErrInvalidChain)
	_, err = q.Enqueue(context.Background(), "x", Keep, Request{Kind: "x", Input: []int{1}})
	assert.Error(t, err)
}
