package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/cellvault/internal/backup"
	"github.com/JonMunkholm/cellvault/internal/config"
	"github.com/JonMunkholm/cellvault/internal/core"
	"github.com/JonMunkholm/cellvault/internal/logging"
	"github.com/JonMunkholm/cellvault/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"base_path", cfg.Workbook.BasePath,
		"repo_path", cfg.Repo.Path,
		"backups_enabled", cfg.Backup.Enabled,
		"audit_database", cfg.Database.Enabled(),
	)
	slog.Debug("effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audit, pool, err := openAuditStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open audit store", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}

	service, err := core.NewService(core.Config{
		BasePath:     cfg.Workbook.BasePath,
		RepoPath:     cfg.Repo.Path,
		Author:       cfg.Repo.Author,
		LoadOnStart:  cfg.Workbook.LoadOnStart,
		InitialSheet: cfg.Workbook.InitialSheet,
		Backup: backup.Config{
			Dir:        cfg.Backup.Dir,
			Interval:   cfg.Backup.Interval,
			MaxBackups: cfg.Backup.MaxBackups,
		},
		AutoBackup:    cfg.Backup.Enabled,
		FinalBackup:   cfg.Backup.Enabled,
		MaxConcurrent: cfg.Limits.MaxConcurrent,
		MaxWaitTime:   cfg.Limits.MaxWaitTime,
	}, core.WithAuditStore(audit))
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	service.Start(ctx)
	go service.RunAuditRetention(ctx, core.RetentionConfig{
		MaxAge:        cfg.Audit.Retention,
		CheckInterval: cfg.Audit.PurgeInterval,
	})

	server := web.NewServer(service, cfg)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Waits for in-flight operations, then writes the final backup.
	if err := service.Close(shutdownCtx); err != nil {
		slog.Error("service shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
}

// openAuditStore connects to Postgres when DATABASE_URL is set and keeps the
// audit trail in memory otherwise. The returned pool is nil in memory mode.
func openAuditStore(ctx context.Context, cfg *config.Config) (core.AuditStore, *pgxpool.Pool, error) {
	if !cfg.Database.Enabled() {
		slog.Info("no audit database configured, keeping audit trail in memory",
			"capacity", cfg.Audit.MemoryCapacity)
		return core.NewMemoryAuditStore(cfg.Audit.MemoryCapacity), nil, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to audit database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	store := core.NewPGAuditStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool, nil
}
