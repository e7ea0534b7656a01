package upload

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"crm-callsync/internal/workqueue"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 2 * time.Second

// FolderWatcher schedules a scan shortly after a new audio file lands in the
// selected folder, instead of waiting for the periodic pass.
type FolderWatcher struct {
	scanner  *FolderScanner
	queue    Enqueuer
	log      *slog.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func NewFolderWatcher(scanner *FolderScanner, q Enqueuer, log *slog.Logger) *FolderWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &FolderWatcher{
		scanner:  scanner,
		queue:    q,
		log:      log.With("component", "upload.watcher"),
		debounce: defaultWatchDebounce,
	}
}

// Run watches the selected folder until ctx is done, following changes to
// the selection.
func (w *FolderWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	defer w.stopTimer()

	selections := w.scanner.folder.Observe(ctx)
	watched := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-selections:
			if !ok {
				return nil
			}
			dir, err := w.scanner.Folder(ctx)
			if err != nil {
				w.log.Warn("read selected folder", "error", err)
				continue
			}
			if dir == watched {
				continue
			}
			if watched != "" {
				_ = watcher.Remove(watched)
			}
			watched = ""
			if dir == "" {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				w.log.Warn("watch recordings folder", "folder", dir, "error", err)
				continue
			}
			watched = dir
			w.log.Info("watching recordings folder", "folder", dir)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("folder watcher error", "error", err)
		}
	}
}

func (w *FolderWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)) {
		return
	}
	if !IsAudioFile(event.Name) {
		return
	}
	if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
		return
	}
	w.scheduleScan(ctx)
}

// scheduleScan debounces bursts of writes from a recorder still flushing
// its file.
func (w *FolderWatcher) scheduleScan(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.queue.Enqueue(ctx, FolderScanNowName, workqueue.Keep, ScanRequest()); err != nil {
			w.log.Warn("schedule folder scan", "error", err)
			return
		}
		w.log.Debug("folder scan scheduled after file change")
	})
}

func (w *FolderWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
