package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"crm-callsync/internal/kvstore"
	"crm-callsync/internal/metrics"
	"crm-callsync/internal/phone"
	"crm-callsync/internal/session"
	"crm-callsync/internal/workqueue"

	"github.com/google/uuid"
)

const (
	// FolderNamespace holds the selected folder.
	FolderNamespace = "folder_sync"
	// SyncedNamespace is the set of file URIs already uploaded.
	SyncedNamespace = "synced_recordings"
	// ClaimNamespace maps a file URI to the scanner uploading it.
	ClaimNamespace = "folder_claims"

	keyFolderPath = "folder_path"
)

// DefaultFolderScanInterval is the periodic scan interval.
const DefaultFolderScanInterval = 15 * time.Minute

// claimTTL bounds how long a crashed scanner keeps a file claimed.
const claimTTL = 30 * time.Minute

// ConsentReader reports whether the agent granted recording consent.
type ConsentReader interface {
	ConsentGranted(ctx context.Context) (bool, error)
}

// PeriodicEnqueuer is the periodic side of the scheduler.
type PeriodicEnqueuer interface {
	Enqueuer
	EnqueuePeriodic(ctx context.Context, uniqueName string, policy workqueue.Policy, interval time.Duration, req workqueue.Request) (string, error)
}

// ScanResult counts what one pass did.
type ScanResult struct {
	Uploaded  int `json:"uploaded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Unmatched int `json:"unmatched"`
}

// FolderScanner uploads recordings other apps leave in a folder. Each file
// is uploaded at most once, tracked by its URI. Scans are serialized within
// the process, and a file is claimed in the store before its init so a scan
// in another process sharing the store skips it.
type FolderScanner struct {
	scanMu sync.Mutex
	owner  string

	folder   *kvstore.Namespace
	synced   *kvstore.Namespace
	claims   *kvstore.Namespace
	uploader *Uploader
	session  SessionChecker
	leads    LeadResolver
	consent  ConsentReader
	metrics  *metrics.Pipeline
	log      *slog.Logger
	clock    func() time.Time
}

func NewFolderScanner(kv kvstore.Store, uploader *Uploader, sess SessionChecker, leads LeadResolver, consent ConsentReader, m *metrics.Pipeline, log *slog.Logger) *FolderScanner {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &FolderScanner{
		owner:    uuid.NewString(),
		folder:   kvstore.NewNamespace(kv, FolderNamespace),
		synced:   kvstore.NewNamespace(kv, SyncedNamespace),
		claims:   kvstore.NewNamespace(kv, ClaimNamespace),
		uploader: uploader,
		session:  sess,
		leads:    leads,
		consent:  consent,
		metrics:  m,
		log:      log.With("component", "upload.folder"),
		clock:    time.Now,
	}
}

func (f *FolderScanner) Register(r Registrar) {
	r.Register(KindFolderScan, workqueue.HandlerFunc(f.Handle))
}

// Folder returns the selected folder, "" when none.
func (f *FolderScanner) Folder(ctx context.Context) (string, error) {
	v, _, err := f.folder.Get(ctx, keyFolderPath)
	return v, err
}

// SetFolder validates and stores dir without scheduling anything. It
// returns the absolute path stored.
func (f *FolderScanner) SetFolder(ctx context.Context, dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("upload: select folder: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotADir, abs)
	}
	if err := f.folder.Set(ctx, keyFolderPath, abs); err != nil {
		return "", err
	}
	f.log.Info("recordings folder selected", "folder", abs)
	return abs, nil
}

// SelectFolder stores dir and schedules an immediate scan, replacing any
// scan already waiting.
func (f *FolderScanner) SelectFolder(ctx context.Context, q Enqueuer, dir string) error {
	if _, err := f.SetFolder(ctx, dir); err != nil {
		return err
	}
	_, err := q.Enqueue(ctx, FolderScanNowName, workqueue.Replace, ScanRequest())
	return err
}

// ScanRequest is a folder scan restricted to unmetered networks.
func ScanRequest() workqueue.Request {
	return workqueue.Request{Kind: KindFolderScan, Network: workqueue.NetworkUnmetered}
}

// SchedulePeriodic installs the recurring scan.
func (f *FolderScanner) SchedulePeriodic(ctx context.Context, q PeriodicEnqueuer, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultFolderScanInterval
	}
	_, err := q.EnqueuePeriodic(ctx, FolderScanPeriodicName, workqueue.Keep, interval, ScanRequest())
	return err
}

// Handle is the scheduler entry point. Only a missing session defers the
// whole scan; per-file failures are counted and left for the next pass.
func (f *FolderScanner) Handle(ctx context.Context, _ workqueue.Job) workqueue.Result {
	res, err := f.Scan(ctx)
	switch {
	case err == nil:
		return workqueue.Success(res)
	case errors.Is(err, session.ErrNoSession):
		return workqueue.Retry(err)
	case errors.Is(err, ErrNoFolder):
		return workqueue.Success(nil)
	default:
		return workqueue.Retry(err)
	}
}

// Scan uploads every audio file in the folder that is not in the synced set.
// Files claimed by a concurrent scan are counted as skipped.
func (f *FolderScanner) Scan(ctx context.Context) (ScanResult, error) {
	f.scanMu.Lock()
	defer f.scanMu.Unlock()

	var res ScanResult
	if !f.session.HasSession(ctx) {
		return res, session.ErrNoSession
	}
	dir, err := f.Folder(ctx)
	if err != nil {
		return res, err
	}
	if dir == "" {
		return res, ErrNoFolder
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return res, fmt.Errorf("upload: read folder: %w", err)
	}
	synced, err := f.synced.Snapshot(ctx)
	if err != nil {
		return res, err
	}
	consent := false
	if f.consent != nil {
		if consent, err = f.consent.ConsentGranted(ctx); err != nil {
			return res, err
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !IsAudioFile(name) {
			continue
		}
		path := filepath.Join(dir, name)
		uri := FileURI(path)
		if _, done := synced[uri]; done {
			res.Skipped++
			continue
		}

		claimed, err := f.claim(ctx, uri)
		if err != nil {
			return res, err
		}
		if !claimed {
			res.Skipped++
			continue
		}
		// The other holder may have finished between the snapshot and the claim.
		if _, done, err := f.synced.Get(ctx, uri); err != nil || done {
			f.release(ctx, uri)
			if err != nil {
				return res, err
			}
			res.Skipped++
			continue
		}

		matched, err := f.uploadFile(ctx, path, uri, consent)
		f.release(ctx, uri)
		if !matched {
			res.Unmatched++
		}
		if err != nil {
			res.Failed++
			f.metrics.FolderFailed.Inc(ctx)
			f.log.Warn("folder recording upload failed", "file_path", path, "error", err)
			continue
		}
		res.Uploaded++
		f.metrics.FolderUploaded.Inc(ctx)
	}
	f.log.Info("folder scan finished", "folder", dir,
		"uploaded", res.Uploaded, "skipped", res.Skipped, "failed", res.Failed, "unmatched", res.Unmatched)
	return res, nil
}

func (f *FolderScanner) uploadFile(ctx context.Context, path, uri string, consent bool) (matched bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	var leadID *int64
	if number := phone.FromFileName(path); number != "" && f.leads != nil {
		leadID, err = f.leads.ResolveID(ctx, number)
		if err != nil {
			return false, err
		}
	}

	out, err := f.uploader.Upload(ctx, Recording{
		FilePath:        path,
		LeadID:          leadID,
		ConsentGranted:  consent,
		RecordedAt:      info.ModTime(),
		DurationSeconds: EstimateDurationSeconds(info.Size()),
	})
	if err != nil {
		return leadID != nil, err
	}
	if err := f.synced.Set(ctx, uri, strconv.FormatInt(out.RecordingID, 10)); err != nil {
		return leadID != nil, err
	}
	if err := f.uploader.Forget(ctx, path); err != nil {
		f.log.Warn("clear folder upload checkpoint", "file_path", path, "error", err)
	}
	return leadID != nil, nil
}

// claim marks uri as being uploaded by this scanner. It fails when another
// scanner holds a claim younger than claimTTL.
func (f *FolderScanner) claim(ctx context.Context, uri string) (bool, error) {
	now := f.clock()
	claimed := false
	err := f.claims.Edit(ctx, func(values map[string]string) error {
		if owner, at, ok := parseClaim(values[uri]); ok && owner != f.owner && now.Sub(at) < claimTTL {
			return nil
		}
		values[uri] = f.owner + "@" + strconv.FormatInt(now.UnixMilli(), 10)
		claimed = true
		return nil
	})
	return claimed, err
}

func (f *FolderScanner) release(ctx context.Context, uri string) {
	err := f.claims.Edit(context.WithoutCancel(ctx), func(values map[string]string) error {
		if owner, _, ok := parseClaim(values[uri]); ok && owner == f.owner {
			delete(values, uri)
		}
		return nil
	})
	if err != nil {
		f.log.Warn("release folder claim", "uri", uri, "error", err)
	}
}

func parseClaim(v string) (owner string, at time.Time, ok bool) {
	i := strings.LastIndexByte(v, '@')
	if i <= 0 {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return v[:i], time.UnixMilli(ms), true
}

// IsSynced reports whether path was already uploaded.
func (f *FolderScanner) IsSynced(ctx context.Context, path string) (bool, error) {
	_, ok, err := f.synced.Get(ctx, FileURI(path))
	return ok, err
}

// FileURI is the synced-set key of path.
func FileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
