package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"kwalert/internal/app"
	"kwalert/internal/config"
	"kwalert/internal/notify"
	"kwalert/internal/scanner"
	"kwalert/internal/storage"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "log hits instead of sending them")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.LoadScan()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := config.NewLogger(os.Stderr, cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	var notifier scanner.Notifier = notify.LogNotifier{Log: log}
	if !*dryRun && cfg.TelegramBotToken != "" {
		api, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			log.Error("create bot api", "error", err)
			os.Exit(1)
		}
		notifier = notify.NewDispatcher(api, notify.Options{
			RatePerSec: cfg.SendRatePerSec,
			MaxRetries: cfg.SendMaxRetries,
		}, log)
	} else {
		log.Warn("dry run: hits are logged, not sent")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := app.NewScheduler(cfg, store, notifier, &http.Client{Timeout: 30 * time.Second}, log)
	report, err := sched.RunOnce(ctx)
	if err != nil {
		log.Error("scan", "error", err)
		os.Exit(1)
	}
	if report.Failed > 0 {
		log.Warn("some channels failed", "channels", report.FailedChannels)
	}
}
