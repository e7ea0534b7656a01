package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm-callsync/internal/audit"
	"crm-callsync/internal/auth"
	"crm-callsync/internal/config"
	"crm-callsync/internal/devapi"
	"crm-callsync/internal/httpapi"
	"crm-callsync/pkg/logger"
	"crm-callsync/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDevAPI()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.DevAPI.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	store, auditRepo, db, err := openStorage(rootCtx, cfg, log)
	if err != nil {
		log.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	dedup, rdb, err := openDedup(rootCtx, cfg, log)
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var blobs devapi.BlobStore = devapi.NewMemoryBlobs()
	if cfg.DevAPI.StorageDir != "" {
		if blobs, err = devapi.NewDirBlobs(cfg.DevAPI.StorageDir); err != nil {
			log.Error("storage dir init failed", "err", err)
			os.Exit(1)
		}
	}

	svc, err := devapi.NewService(devapi.Options{
		Store:          store,
		Blobs:          blobs,
		Dedup:          dedup,
		Audit:          audit.NewService(auditRepo, log),
		PublicURL:      cfg.DevAPI.PublicURL,
		MaxUploadBytes: cfg.DevAPI.MaxUploadBytes,
		Log:            log,
	})
	if err != nil {
		log.Error("service init failed", "err", err)
		os.Exit(1)
	}

	var seed devapi.Seed
	if cfg.DevAPI.SeedFile != "" {
		if seed, err = devapi.LoadSeed(cfg.DevAPI.SeedFile); err != nil {
			log.Error("seed load failed", "err", err)
			os.Exit(1)
		}
		if err := svc.ApplyLeads(rootCtx, seed.Leads); err != nil {
			log.Error("seed apply failed", "err", err)
			os.Exit(1)
		}
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	httpapi.Register(r, httpapi.Handlers{
		Auth:      authManager,
		Directory: devapi.NewDirectory(seed.Agents, cfg.DevAPI.APIKey),
		Service:   svc,
		Dedup:     dedup,
		Health:    healthCheck(db, rdb),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "public_url", cfg.DevAPI.PublicURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// openStorage picks Postgres when a DSN is configured, memory otherwise.
// db is nil for memory storage.
func openStorage(ctx context.Context, cfg config.Config, log *slog.Logger) (devapi.Store, audit.Repository, *sql.DB, error) {
	if cfg.DevAPI.DatabaseDSN == "" {
		log.Warn("DEVAPI_DATABASE_DSN not set, using in-memory storage")
		return devapi.NewMemoryStore(), audit.NewMemoryRepo(), nil, nil
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.DevAPI.DatabaseDSN, utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := devapi.NewPostgresStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	repo, err := audit.NewPostgresRepo(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return store, repo, db, nil
}

func openDedup(ctx context.Context, cfg config.Config, log *slog.Logger) (devapi.Deduper, *redis.Client, error) {
	if cfg.DevAPI.RedisAddr == "" {
		log.Warn("DEVAPI_REDIS_ADDR not set, using in-memory dedup")
		return devapi.NewMemoryDeduper(), nil, nil
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.DevAPI.RedisAddr})
	if err != nil {
		return nil, nil, err
	}
	return devapi.NewRedisDeduper(rdb), rdb, nil
}

func healthCheck(db *sql.DB, rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db != nil {
			if err := utils.Ping(ctx, db, 2*time.Second); err != nil {
				return err
			}
		}
		if rdb != nil {
			return rdb.Ping(ctx).Err()
		}
		return nil
	}
}
