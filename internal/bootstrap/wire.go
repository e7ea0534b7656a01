// Package bootstrap builds the client service graph from configuration.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"crm-callsync/internal/api"
	"crm-callsync/internal/calllog"
	"crm-callsync/internal/calltrack"
	"crm-callsync/internal/config"
	"crm-callsync/internal/connectivity"
	"crm-callsync/internal/kvstore"
	"crm-callsync/internal/leads"
	"crm-callsync/internal/metrics"
	"crm-callsync/internal/notes"
	"crm-callsync/internal/orchestrator"
	"crm-callsync/internal/recording"
	"crm-callsync/internal/recstate"
	"crm-callsync/internal/reporting"
	"crm-callsync/internal/session"
	"crm-callsync/internal/upload"
	"crm-callsync/internal/workqueue"
	"crm-callsync/pkg/utils"

	"golang.org/x/sync/errgroup"
)

// App is the wired client. Fields are exported for the CLI commands.
type App struct {
	Config config.Config
	Log    *slog.Logger

	DB      *sql.DB
	KV      kvstore.Store
	Queue   *workqueue.Queue
	Network connectivity.Monitor
	pinger  *connectivity.Pinger

	Client  *api.Client
	Session *session.Provider
	Metrics *metrics.Pipeline

	Recording *recstate.Store
	Notes     *notes.Store
	Bridge    *notes.Bridge
	Lookup    *leads.Lookup
	Leads     *leads.Repository
	Drainer   *leads.Drainer

	Uploader *upload.Uploader
	Stages   *upload.Stages
	Folder   *upload.FolderScanner
	Watcher  *upload.FolderWatcher

	CallLog      *calllog.Worker
	CallLogStats *calllog.StatsStore

	Reporting *reporting.Service
}

// New opens the local database and wires every component. Nothing runs
// until Run is called.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.Agent.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("bootstrap: create data dir: %w", err)
	}

	db, err := utils.OpenSQLite(ctx, utils.SQLiteConfig{Path: cfg.DatabasePath()})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open database: %w", err)
	}
	a := &App{Config: cfg, Log: log, DB: db}
	if err := a.wire(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, log := a.Config, a.Log

	kv, err := kvstore.NewSQLite(ctx, a.DB)
	if err != nil {
		return fmt.Errorf("bootstrap: kv store: %w", err)
	}
	a.KV = kv

	if cfg.Agent.PingURL != "" {
		a.pinger = connectivity.NewPinger(connectivity.PingerConfig{URL: cfg.Agent.PingURL}, log)
		a.Network = a.pinger
	} else {
		a.Network = connectivity.NewStatic(connectivity.Unmetered)
	}

	a.Queue, err = workqueue.New(ctx, a.DB, workqueue.Config{
		PollInterval: cfg.Work.PollInterval,
		Concurrency:  cfg.Work.Concurrency,
		Network:      a.Network,
	}, log)
	if err != nil {
		return fmt.Errorf("bootstrap: work queue: %w", err)
	}

	a.Client, err = api.NewClient(api.Config{BaseURL: cfg.Agent.APIBaseURL, Timeout: cfg.Agent.HTTPTimeout})
	if err != nil {
		return err
	}
	a.Session = session.NewProvider(kv, a.Client, log)
	a.Client.SetTokenSource(a.Session)

	a.Metrics = metrics.New(nil)
	a.Recording = recstate.NewStore(kv, log)
	a.Lookup = leads.NewLookup(a.Client, log)

	actions, err := leads.NewSQLiteStore(ctx, a.DB)
	if err != nil {
		return fmt.Errorf("bootstrap: action store: %w", err)
	}
	a.Leads = leads.NewRepository(actions, a.Client, a.Network, a.Metrics, log)
	if err := a.Leads.RegisterMetrics(); err != nil {
		log.Warn("register action queue gauge", "error", err)
	}
	a.Drainer = leads.NewDrainer(a.Leads, a.Network, cfg.Work.ActionDrainInterval, log)

	a.Notes = notes.NewStore(kv, log)
	a.Bridge = notes.NewBridge(a.Notes, a.Lookup, a.Leads, log)

	a.Uploader = upload.NewUploader(a.Client, kv, log)
	a.Stages = upload.NewStages(a.Uploader, a.Recording, a.Session, a.Lookup, a.Metrics, log)
	a.Stages.Retain = cfg.Agent.RetainRecordings
	a.Stages.Register(a.Queue)
	a.Folder = upload.NewFolderScanner(kv, a.Uploader, a.Session, a.Lookup, a.Recording, a.Metrics, log)
	a.Folder.Register(a.Queue)
	a.Watcher = upload.NewFolderWatcher(a.Folder, a.Queue, log)

	logFile := cfg.Agent.CallLogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.Agent.DataDir, "call_log.json")
	}
	a.CallLogStats = calllog.NewStatsStore(kv, log)
	a.CallLog = calllog.NewWorker(calllog.NewFileSource(logFile), a.Client, a.Session, a.Recording, a.CallLogStats, a.Metrics, log)
	a.CallLog.Register(a.Queue)

	a.Reporting = reporting.NewService(reporting.Sources{
		Session:   a.Session,
		Recording: a.Recording,
		CallLog:   a.CallLogStats,
		Actions:   a.Leads,
		Notes:     a.Notes,
		Folder:    a.Folder,
		Work:      a.Queue,
	})
	return nil
}

// Schedule installs the periodic folder scan and call log sync. Existing
// schedules are kept.
func (a *App) Schedule(ctx context.Context) error {
	if err := a.Folder.SchedulePeriodic(ctx, a.Queue, a.Config.Work.FolderScanInterval); err != nil {
		return err
	}
	return calllog.SchedulePeriodic(ctx, a.Queue, a.Config.Work.CallLogSyncInterval)
}

// Monitor builds the call monitoring loop from the configured call state
// stream and audio device. The returned func releases the recorder.
func (a *App) Monitor() (*orchestrator.Monitor, func(), error) {
	cfg := a.Config
	if cfg.Agent.CallStateSource == "" {
		return nil, nil, errors.New("bootstrap: CALLSYNC_CALL_STATE_SOURCE is not set")
	}
	tracker := calltrack.New(calltrack.OpenLineSource(cfg.Agent.CallStateSource, a.Log), a.Log)
	recorder := recording.NewManager(recording.NewFFmpegCapture(recording.FFmpegConfig{
		Command:     cfg.Audio.FFmpegCommand,
		InputFormat: cfg.Audio.InputFormat,
		InputDevice: cfg.Audio.InputDevice,
	}), recording.Config{Dir: cfg.Agent.RecordingsDir}, a.Log)

	m := orchestrator.New(tracker, recorder, a.Recording, a.Notes, a.Queue,
		orchestrator.Config{UploadBackoff: cfg.Work.UploadBackoff}, a.Log)
	return m, recorder.Close, nil
}

// Run hosts the background pipeline until ctx is done. Call monitoring is
// started only when a call state source is configured, and its failure never
// stops uploads or sync.
func (a *App) Run(ctx context.Context) error {
	if err := a.Schedule(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Queue.Run(ctx) })
	g.Go(func() error { return a.Drainer.Run(ctx) })
	g.Go(func() error {
		if err := a.Watcher.Run(ctx); err != nil {
			a.Log.Warn("folder watcher stopped", "error", err)
		}
		return nil
	})
	if a.pinger != nil {
		g.Go(func() error { return a.pinger.Run(ctx) })
	}
	if a.Config.Agent.CallStateSource != "" {
		m, release, err := a.Monitor()
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer release()
			a.runMonitor(ctx, m)
			return nil
		})
	} else {
		a.Log.Info("call monitoring disabled, no call state source configured")
	}
	return g.Wait()
}

type monitorRunner interface {
	Run(ctx context.Context) error
}

func (a *App) runMonitor(ctx context.Context, m monitorRunner) {
	err := m.Run(ctx)
	switch {
	case err == nil || ctx.Err() != nil:
	case errors.Is(err, calltrack.ErrPermissionDenied):
		a.Log.Warn("call monitoring unavailable, uploads and sync keep running",
			"source", a.Config.Agent.CallStateSource, "error", err)
	default:
		a.Log.Error("call monitoring stopped", "error", err)
	}
}

func (a *App) Close() error {
	return a.DB.Close()
}
