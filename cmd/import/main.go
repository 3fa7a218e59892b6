package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"kwalert/internal/config"
	"kwalert/internal/importer"
	"kwalert/internal/storage"
)

func main() {
	users := flag.String("users", "", "CSV export of the users sheet")
	subs := flag.String("subscriptions", "", "CSV export of the subscriptions sheet")
	state := flag.String("state", "", "CSV export of the state sheet")
	flag.Parse()

	if *users == "" && *subs == "" && *state == "" {
		fmt.Fprintln(os.Stderr, "Usage: import [-users users.csv] [-subscriptions subscriptions.csv] [-state state.csv]")
		os.Exit(1)
	}

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

	im := importer.New(store, log)
	ctx := context.Background()

	// Users first: subscriptions reference them.
	sheets := []struct {
		name string
		path string
		run  func(context.Context, io.Reader) (importer.Stats, error)
	}{
		{"users", *users, im.ImportUsers},
		{"subscriptions", *subs, im.ImportSubscriptions},
		{"state", *state, im.ImportState},
	}

	failed := false
	for _, s := range sheets {
		if s.path == "" {
			continue
		}
		st, err := importFile(ctx, s.path, s.run)
		if err != nil {
			log.Error("import sheet", "sheet", s.name, "path", s.path, "error", err)
			failed = true
			continue
		}
		log.Info("imported sheet", "sheet", s.name, "rows", st.Imported, "skipped", st.Skipped)
	}
	if failed {
		os.Exit(1)
	}
}

func importFile(ctx context.Context, path string, run func(context.Context, io.Reader) (importer.Stats, error)) (importer.Stats, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return importer.Stats{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return run(ctx, f)
}
