package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"rssbot/internal/bot"
	"rssbot/internal/config"
	"rssbot/internal/fetcher"
	"rssbot/internal/metrics"
	"rssbot/internal/scheduler"
	"rssbot/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error_kind", "configuration", "error", err)
		os.Exit(1)
	}

	os.Exit(run(cfg, newLogger(cfg.LogLevel)))
}

// run wires the process and returns its exit code. Deferred cleanup, the
// state store's Close in particular, has finished by the time it returns.
func run(cfg *config.Config, log *slog.Logger) int {
	if dir := filepath.Dir(cfg.StateFile); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			return 1
		}
	}

	store, err := openStorage(cfg)
	if err != nil {
		log.Error("open state storage", "backend", cfg.StateBackend, "path", cfg.StateFile, "error", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("close state storage", "error", err)
		}
	}()

	b, err := bot.New(cfg.TelegramToken, cfg.TelegramChatID, log)
	if err != nil {
		log.Error("create bot", "error_kind", "configuration", "error", err)
		return 1
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	f := fetcher.New(&http.Client{Timeout: 30 * time.Second})

	sched, err := scheduler.New(cfg.Feeds, cfg.DedupLimit, store, f, b, m, log)
	if err != nil {
		log.Error("create scheduler", "error", err)
		return 1
	}
	sched.SetTickInterval(cfg.PollInterval())
	sched.SetFilters(cfg.Filters)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting bot",
		"feeds", len(cfg.Feeds), "filters", len(cfg.Filters), "poll_every", cfg.PollInterval(),
		"dedup_limit", cfg.DedupLimit, "state_backend", cfg.StateBackend, "state_file", cfg.StateFile)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, reg, log)
		})
	}
	g.Go(func() error {
		return sched.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("bot stopped with error", "error", err)
		return 1
	}

	log.Info("bot stopped")
	return 0
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	if cfg.StateBackend == config.BackendSQLite {
		return storage.NewSQLite(cfg.StateFile)
	}
	return storage.NewFile(cfg.StateFile), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
