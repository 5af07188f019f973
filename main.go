package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"parley/server/internal/auth"
	"parley/server/internal/config"
	"parley/server/internal/core"
	"parley/server/internal/httpapi"
	"parley/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", ":8080", "Echo listen address")
	dbPath := flag.String("db", "parley.db", "SQLite database path")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if RunCLI(flag.Args(), *dbPath) {
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.AdminSecret) == "" {
		slog.Error("PARLEY_ADMIN_SECRET is required")
		os.Exit(1)
	}

	slog.Info("starting relay", "version", Version, "addr", *addr, "db", *dbPath)

	sqliteStore, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	registry := core.NewRegistry(core.Options{SendBuffer: cfg.SendBuffer})
	snap, err := sqliteStore.LoadSnapshot(context.Background())
	if err != nil {
		// Start with an empty namespace rather than refusing to serve.
		slog.Error("load snapshot, starting empty", "err", err)
	} else {
		registry.Restore(snap)
	}

	gate, err := auth.NewGate(cfg.AdminSecret)
	if err != nil {
		slog.Error("initialize admin gate", "err", err)
		os.Exit(1)
	}

	server := httpapi.New(registry, sqliteStore, gate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	slog.Info("listening", "addr", *addr)
	if err := server.Run(ctx, *addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	if err := sqliteStore.SaveSnapshot(saveCtx, registry.Snapshot()); err != nil {
		slog.Error("save snapshot on shutdown", "err", err)
	}
	slog.Info("server stopped")
}
