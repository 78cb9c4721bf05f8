package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/619dev/matrix-chatgpt-bot/internal/bot"
	"github.com/619dev/matrix-chatgpt-bot/internal/config"
	"github.com/619dev/matrix-chatgpt-bot/internal/engine"
	"github.com/619dev/matrix-chatgpt-bot/internal/httpapi"
	"github.com/619dev/matrix-chatgpt-bot/internal/matrix"
	"github.com/619dev/matrix-chatgpt-bot/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("matrixbot %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cp := *configPath
	if cp == "" {
		cp = os.Getenv("BOT_CONFIG_PATH")
	}
	cfg, err := config.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage backend: Postgres when configured, SQLite otherwise.
	var kv store.KV
	if cfg.Storage.PostgresURL != "" {
		kv, err = store.OpenPostgres(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			slog.Error("failed to open postgres store", "error", err)
			os.Exit(1)
		}
		slog.Info("using postgres store")
	} else {
		kv, err = store.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			slog.Error("failed to open sqlite store", "path", cfg.Storage.SQLitePath, "error", err)
			os.Exit(1)
		}
		slog.Info("using sqlite store", "path", cfg.Storage.SQLitePath)
	}
	defer kv.Close()

	cfgStore := store.NewConfigStore(kv)
	histStore := store.NewHistoryStore(kv)

	client, err := matrix.New(cfg.Matrix.Homeserver)
	if err != nil {
		slog.Error("failed to create matrix client", "error", err)
		os.Exit(1)
	}
	if auth, err := cfgStore.AuthInfo(ctx); err == nil && auth != nil {
		client.SetCredentials(matrix.Credentials{
			AccessToken: auth.AccessToken,
			UserID:      auth.UserID,
			DeviceID:    auth.DeviceID,
		})
		slog.Info("restored matrix credentials", "user", auth.UserID)
	}

	handler := bot.New(client, cfgStore, histStore, bot.Defaults{
		BaseURL: cfg.AI.BaseURL,
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.DefaultModel,
	})

	eng := engine.New(client, handler, cfgStore, engine.Options{
		Interval:    parseDuration(cfg.Sync.Interval, 30*time.Second),
		StartDelay:  parseDuration(cfg.Sync.StartDelay, time.Second),
		PollTimeout: parseDuration(cfg.Sync.PollTimeout, 30*time.Second),
	})

	slog.Info("matrixbot starting",
		"version", version,
		"homeserver", cfg.Matrix.Homeserver,
		"addr", cfg.HTTP.Addr,
	)

	// Pick the loop back up if the process died while running.
	if err := eng.Resume(ctx); err != nil {
		slog.Error("failed to resume sync engine", "error", err)
	}

	srv := httpapi.New(cfg, client, eng, cfgStore, handler)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	// Halt the loop without clearing the durable run flag so the next
	// boot resumes automatically.
	eng.Close()

	slog.Info("matrixbot stopped")
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "value", s, "default", fallback)
		return fallback
	}
	return d
}
