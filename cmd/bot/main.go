package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"kwalert/internal/app"
	"kwalert/internal/bot"
	"kwalert/internal/config"
	"kwalert/internal/notify"
	"kwalert/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
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

	api, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		log.Error("create bot api", "error", err)
		os.Exit(1)
	}

	dispatcher := notify.NewDispatcher(api, notify.Options{
		RatePerSec: cfg.SendRatePerSec,
		MaxRetries: cfg.SendMaxRetries,
	}, log)
	sched := app.NewScheduler(cfg, store, dispatcher, &http.Client{Timeout: 30 * time.Second}, log)
	b := bot.New(api, store, cfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting bot", "username", api.Self.UserName, "scan_interval", cfg.ScanInterval())

	go sched.Run(ctx)

	b.Run(ctx)

	log.Info("bot stopped")
}
