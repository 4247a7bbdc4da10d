package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/drip/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", "", "TCP listen address (overrides settings)")
	storeKind := fs.String("store", "", "run store: memory, libsql, badger or redis (overrides settings)")
	catalogDir := fs.String("catalog-dir", "", "directory of workflow JSON files (default: built-in flows)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	// Flags win over every config layer, on reload too.
	load := func() (Config, error) {
		cfg, err := loadConfig()
		if *listenAddr != "" {
			cfg.ListenAddr = *listenAddr
		}
		if *storeKind != "" {
			cfg.Store = *storeKind
		}
		if *catalogDir != "" {
			cfg.CatalogDir = *catalogDir
		}
		return cfg, err
	}

	cfg, err := load()
	if err != nil {
		fatal("%v", err)
	}

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(os.Stderr, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal("%v", err)
	}
	if err := a.start(ctx); err != nil {
		fatal("%v", err)
	}

	writePID(logger)
	defer os.Remove(pidPath())

	routes := newLiveRoutes(a.handler, cfg.Metrics)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr, "metrics", cfg.Metrics)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	running := cfg
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			logger.Error("http server failed", "error", err)
			break loop
		case <-hup:
			running = reload(a, running, load, level, routes, logger)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := a.close(); err != nil {
		logger.Error("engine shutdown", "error", err)
	}
}

// reload re-reads the configuration on SIGHUP. The log level and /metrics
// apply immediately and the catalog is always reloaded. Returns the
// configuration now in effect.
func reload(a *app, running Config, load func() (Config, error), level *slog.LevelVar, routes *liveRoutes, logger *slog.Logger) Config {
	next, err := load()
	if err != nil {
		logger.Error("reload config", "error", err)
		return running
	}
	diff := diffConfigs(running, next)

	if diff.LogLevelChanged {
		level.Set(logging.ParseLevel(next.LogLevel))
		running.LogLevel = next.LogLevel
	}
	if diff.MetricsChanged && routes.SetMetrics(next.Metrics) {
		running.Metrics = next.Metrics
	}
	if err := a.reloadCatalog(next); err != nil {
		logger.Error("reload catalog, keeping the loaded workflows", "catalog_dir", next.CatalogDir, "error", err)
	} else {
		running.CatalogDir = next.CatalogDir
	}
	if len(diff.RestartNeeded) > 0 {
		logger.Warn("settings changed that need a restart", "fields", diff.RestartNeeded)
	}
	logger.Info("configuration reloaded", "log_level", running.LogLevel, "metrics", running.Metrics)
	return running
}

func writePID(logger *slog.Logger) {
	if err := os.MkdirAll(dripDir(), 0o700); err != nil {
		logger.Warn("cannot create drip dir", "error", err)
		return
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("cannot write pid file", "error", err)
	}
}
