package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/activitysync/internal/config"
	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/JonMunkholm/activitysync/internal/inbox"
	"github.com/JonMunkholm/activitysync/internal/logging"
	"github.com/JonMunkholm/activitysync/internal/store"
	"github.com/JonMunkholm/activitysync/internal/web"
	"github.com/joho/godotenv"
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

	logger := logging.Setup(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Driver,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"inbox_enabled", cfg.Inbox.Enabled,
	)
	slog.Debug("configuration", "config", cfg.String())

	ctx := context.Background()
	counters, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer counters.Close()
	slog.Info("store ready", "driver", cfg.Storage.Driver)

	service := core.NewService(counters, core.ServiceConfig{
		MaxConcurrent: cfg.Import.MaxConcurrent,
		MaxWait:       cfg.Import.MaxWaitTime,
		Timeout:       cfg.Import.Timeout,
		Retention:     cfg.Import.JobRetention,
	}, logger)

	server := web.NewServer(service, cfg)

	// Cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	inboxDone := make(chan struct{})
	if cfg.Inbox.Enabled {
		watcher, err := inbox.New(cfg.Inbox.Dir, cfg.Inbox.Debounce, service, logger)
		if err != nil {
			slog.Error("failed to start inbox watcher", "error", err)
			os.Exit(1)
		}
		go func() {
			defer close(inboxDone)
			if err := watcher.Run(jobCtx); err != nil {
				slog.Error("inbox watcher stopped", "error", err)
			}
		}()
	} else {
		close(inboxDone)
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting inbox files; files already queued finish below.
		cancelJobs()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		status := service.LimiterStatus()
		if status.Active > 0 {
			slog.Info("waiting for imports to complete", "active", status.Active)
			if err := service.WaitForImports(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		select {
		case <-inboxDone:
		case <-shutdownCtx.Done():
		}
	}()

	if err := server.Start(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-stopped
	slog.Info("server stopped")
}
