package upload

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"crm-callsync/internal/kvstore"
	"crm-callsync/internal/workqueue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticConsent bool

func (c staticConsent) ConsentGranted(context.Context) (bool, error) { return bool(c), nil }

func newScanner(t *testing.T, h *harness, loggedIn bool) *FolderScanner {
	t.Helper()
	return NewFolderScanner(h.kv, h.uploader, fakeSession{ok: loggedIn}, h.leads, staticConsent(true), nil, nil)
}

func TestFolderScanner_UploadsEachFileOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	s := newScanner(t, h, true)
	q := &recordingEnqueuer{}

	matched := h.writeFile(t, "Call recording 20260301 +1 555-123-4567.m4a", string(make([]byte, 36000)))
	h.writeFile(t, "voice_memo_12.mp3", "short")
	h.writeFile(t, "readme.txt", "not audio")
	h.writeFile(t, ".hidden.m4a", "x")
	require.NoError(t, os.Mkdir(filepath.Join(h.dir, "nested.m4a"), 0o755))

	require.NoError(t, s.SelectFolder(ctx, q, h.dir))
	require.Len(t, q.calls, 1)
	assert.Equal(t, FolderScanNowName, q.calls[0].Name)
	assert.Equal(t, workqueue.Replace, q.calls[0].Policy)
	assert.Equal(t, workqueue.NetworkUnmetered, q.calls[0].Chain[0].Network)

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Uploaded: 2, Unmatched: 1}, res)
	require.Len(t, h.backend.inits, 2)
	require.Len(t, h.backend.completes, 2)

	// Entries are processed in name order.
	require.NotNil(t, h.backend.inits[0].LeadID)
	assert.Equal(t, int64(12), *h.backend.inits[0].LeadID)
	assert.True(t, h.backend.inits[0].ConsentGranted)
	assert.Equal(t, int64(3), h.backend.completes[0].Req.DurationSeconds)
	assert.Nil(t, h.backend.inits[1].LeadID)
	assert.Equal(t, int64(1), h.backend.completes[1].Req.DurationSeconds)

	synced, err := s.IsSynced(ctx, matched)
	require.NoError(t, err)
	assert.True(t, synced)
	_, err = os.Stat(matched)
	assert.NoError(t, err, "folder files are never deleted")

	res, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Skipped: 2}, res)
	assert.Len(t, h.backend.inits, 2)
}

func TestFolderScanner_FailureDoesNotBlockOtherFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	s := newScanner(t, h, true)

	h.writeFile(t, "a_5551234567.m4a", "bad")
	h.writeFile(t, "b_5559876543.m4a", "good")
	h.backend.failPutFor = "bad"
	require.NoError(t, s.SelectFolder(ctx, &recordingEnqueuer{}, h.dir))

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Failed)

	h.backend.failPutFor = ""
	res, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Uploaded: 1, Skipped: 1, Unmatched: 0}, res)
	assert.Len(t, h.backend.inits, 2, "the failed file resumes its earlier init")
}

func runScans(t *testing.T, scanners ...*FolderScanner) []ScanResult {
	t.Helper()
	results := make([]ScanResult, len(scanners))
	errs := make([]error, len(scanners))
	var wg sync.WaitGroup
	for i, s := range scanners {
		wg.Add(1)
		go func(i int, s *FolderScanner) {
			defer wg.Done()
			results[i], errs[i] = s.Scan(context.Background())
		}(i, s)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return results
}

func TestFolderScanner_ConcurrentScansUploadOnce(t *testing.T) {
	h := newHarness(t, true)
	s := newScanner(t, h, true)
	h.writeFile(t, "memo.m4a", "audio")
	_, err := s.SetFolder(context.Background(), h.dir)
	require.NoError(t, err)
	h.backend.onInit = func() { time.Sleep(50 * time.Millisecond) }

	results := runScans(t, s, s)

	assert.Len(t, h.backend.inits, 1)
	assert.Len(t, h.backend.completes, 1)
	assert.Equal(t, 1, results[0].Uploaded+results[1].Uploaded)
	assert.Equal(t, 1, results[0].Skipped+results[1].Skipped)
}

func TestFolderScanner_ScannersSharingStoreUploadOnce(t *testing.T) {
	h := newHarness(t, true)
	a := newScanner(t, h, true)
	b := newScanner(t, h, true)
	h.writeFile(t, "memo.m4a", "audio")
	_, err := a.SetFolder(context.Background(), h.dir)
	require.NoError(t, err)
	h.backend.onInit = func() { time.Sleep(50 * time.Millisecond) }

	results := runScans(t, a, b)

	assert.Len(t, h.backend.inits, 1)
	assert.Len(t, h.backend.completes, 1)
	assert.Equal(t, 1, results[0].Uploaded+results[1].Uploaded)

	claims, err := kvstore.NewNamespace(h.kv, ClaimNamespace).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, claims, "claims are released after each file")
}

func TestFolderScanner_HonorsLiveClaimsAndTakesOverStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	s := newScanner(t, h, true)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }
	file := h.writeFile(t, "memo.m4a", "audio")
	_, err := s.SetFolder(ctx, h.dir)
	require.NoError(t, err)

	claims := kvstore.NewNamespace(h.kv, ClaimNamespace)
	require.NoError(t, claims.Set(ctx, FileURI(file), "other@"+strconv.FormatInt(now.Add(-time.Minute).UnixMilli(), 10)))

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Skipped: 1}, res)
	assert.Empty(t, h.backend.inits)

	now = now.Add(claimTTL)
	res, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Len(t, h.backend.inits, 1)
}

func TestFolderScanner_HandleOutcomes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	noSession := newScanner(t, h, false)
	assert.True(t, noSession.Handle(ctx, workqueue.Job{}).IsRetry())

	s := newScanner(t, h, true)
	assert.True(t, s.Handle(ctx, workqueue.Job{}).IsSuccess(), "no folder selected is not an error")

	require.NoError(t, s.SelectFolder(ctx, &recordingEnqueuer{}, h.dir))
	require.NoError(t, os.RemoveAll(h.dir))
	assert.True(t, s.Handle(ctx, workqueue.Job{}).IsRetry())
}

func TestFolderScanner_SelectFolderRejectsFiles(t *testing.T) {
	h := newHarness(t, true)
	s := newScanner(t, h, true)
	file := h.writeFile(t, "x.m4a", "x")
	q := &recordingEnqueuer{}

	assert.ErrorIs(t, s.SelectFolder(context.Background(), q, file), ErrNotADir)
	assert.Error(t, s.SelectFolder(context.Background(), q, filepath.Join(h.dir, "missing")))
	assert.Empty(t, q.calls)
}

func TestFolderScanner_SetFolderDoesNotSchedule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	s := newScanner(t, h, true)

	abs, err := s.SetFolder(ctx, h.dir)
	require.NoError(t, err)
	got, err := s.Folder(ctx)
	require.NoError(t, err)
	assert.Equal(t, abs, got)
}

func TestFolderScanner_SchedulePeriodic(t *testing.T) {
	h := newHarness(t, true)
	s := newScanner(t, h, true)
	q := &recordingEnqueuer{}

	require.NoError(t, s.SchedulePeriodic(context.Background(), q, 0))
	require.Len(t, q.calls, 1)
	assert.Equal(t, FolderScanPeriodicName, q.calls[0].Name)
	assert.Equal(t, workqueue.Keep, q.calls[0].Policy)
	assert.Equal(t, DefaultFolderScanInterval, q.calls[0].Interval)
}

func TestFolderWatcher_SchedulesScanOnNewAudio(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, true)
	s := newScanner(t, h, true)
	require.NoError(t, s.SelectFolder(ctx, &recordingEnqueuer{}, h.dir))

	q := &recordingEnqueuer{}
	w := NewFolderWatcher(s, q, nil)
	w.debounce = 20 * time.Millisecond
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Wait for the watch to be installed before writing.
	time.Sleep(100 * time.Millisecond)
	h.writeFile(t, "notes.txt", "ignored")
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, q.count())

	h.writeFile(t, "call_5551234567.m4a", "audio")
	require.Eventually(t, func() bool { return q.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	q.mu.Lock()
	c := q.calls[0]
	q.mu.Unlock()
	assert.Equal(t, FolderScanNowName, c.Name)
	assert.Equal(t, workqueue.Keep, c.Policy)

	cancel()
	<-done
}
