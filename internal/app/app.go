// Package app assembles the scan pipeline from configuration.
package app

import (
	"log/slog"

	"kwalert/internal/channel"
	"kwalert/internal/config"
	"kwalert/internal/fetcher"
	"kwalert/internal/scanner"
	"kwalert/internal/scheduler"
	"kwalert/internal/storage"
)

// NewScheduler wires the feed source, resolver, scanner and scheduler.
// Message history is read through client from cfg.FeedURLTemplate and
// hits go to notifier.
func NewScheduler(cfg *config.Config, store storage.Storage, notifier scanner.Notifier, client fetcher.HTTPClient, log *slog.Logger) *scheduler.Scheduler {
	src := fetcher.New(client, cfg.FeedURLTemplate, log)
	resolver := channel.NewResolver(src, log)
	sc := scanner.New(src, store, notifier, scanner.Options{
		Lookback:    cfg.Lookback(),
		MaxMessages: cfg.MaxMessagesPerRun,
		LinkHost:    cfg.LinkHost,
	}, log)
	return scheduler.New(store, resolver, sc, scheduler.Options{
		Interval:       cfg.ScanInterval(),
		MaxConcurrency: cfg.MaxConcurrency,
	}, log)
}
