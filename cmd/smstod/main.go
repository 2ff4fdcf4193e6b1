package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smsto/smsto/audit"
	"github.com/smsto/smsto/batch"
	"github.com/smsto/smsto/provider"
	"github.com/smsto/smsto/server"
	"github.com/smsto/smsto/settings"
	"github.com/smsto/smsto/store"
)

func main() {
	cfg := server.DefaultConfig()
	if path := env("CONFIG", ""); path != "" {
		loaded, err := server.LoadConfig(path)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.Listen = env("LISTEN", cfg.Listen)
	cfg.DBPath = env("DB_PATH", cfg.DBPath)
	cfg.SettingsPath = env("SETTINGS_PATH", cfg.SettingsPath)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.DBPath, store.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	auditLog := audit.NewSQLiteLogger(db)
	if err := auditLog.Init(); err != nil {
		slog.Error("audit init", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	st := store.New(db, auditLog)
	if err := st.Init(ctx); err != nil {
		slog.Error("store init", "error", err)
		os.Exit(1)
	}

	set, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		slog.Error("settings", "error", err)
		os.Exit(1)
	}

	// The provider is rebuilt at every run start so settings edits apply
	// without a restart. A broken configuration degrades to the mock.
	newProvider := func() provider.Provider {
		p, err := provider.Build(set.Get().Provider)
		if err != nil {
			slog.Error("provider build failed, using mock", "error", err)
			return &provider.Mock{}
		}
		return p
	}
	bm := batch.NewManager(st, newProvider, logger)

	svc := server.NewService(st, set, bm, auditLog, logger)

	// WriteTimeout stays off: /api/batch/events holds the response open for
	// the whole run.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "listen", cfg.Listen, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	if err := bm.Stop(); err == nil {
		bm.Wait()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
