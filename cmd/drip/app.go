package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/drip/internal/catalog"
	"github.com/rendis/drip/internal/dispatcher"
	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/expressions"
	"github.com/rendis/drip/internal/messaging"
	"github.com/rendis/drip/internal/metrics"
	"github.com/rendis/drip/internal/scheduler"
	"github.com/rendis/drip/internal/secrets"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/internal/streaming"
	"github.com/rendis/drip/internal/validation"
	"github.com/rendis/drip/internal/webhook"
)

// backend is what every store in internal/store provides.
type backend interface {
	store.RunStore
	store.EventStore
	store.SecretStore
}

// app is the wired engine shared by the serve and mcp commands.
type app struct {
	cfg    Config
	logger *slog.Logger

	store      backend
	vault      secrets.Vault
	validator  *validation.WorkflowValidator
	registry   *prometheus.Registry
	hub        *streaming.MemoryHub
	holder     *catalog.Holder
	scheduler  *scheduler.Scheduler
	dispatcher *dispatcher.Dispatcher
	cron       *scheduler.CronTriggers
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = st

	if err := a.wire(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	vault, err := openVault(a.cfg, a.store)
	if err != nil {
		return err
	}
	a.vault = vault

	engines, err := expressions.NewEngines()
	if err != nil {
		return fmt.Errorf("expression engines: %w", err)
	}
	a.validator, err = validation.NewWorkflowValidator(engines)
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(a.registry)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	senders, err := newSenders(a.cfg, a.logger)
	if err != nil {
		return err
	}

	a.hub = streaming.NewMemoryHub()
	exec, err := engine.NewExecutor(engine.ExecutorConfig{
		Evaluator: expressions.NewEvaluator(vault),
		Engines:   engines,
		Senders:   senders,
		Events:    streaming.NewPublisher(a.store, a.hub, a.logger),
		Logger:    a.logger,
		Metrics:   m,
	})
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	snapshot, err := loadCatalog(a.cfg)
	if err != nil {
		return err
	}
	a.holder = catalog.NewHolder(snapshot)

	a.scheduler, err = scheduler.New(scheduler.Config{
		Store:         a.store,
		Executor:      exec,
		Graphs:        a.holder,
		Logger:        a.logger,
		Metrics:       m,
		PoolSize:      a.cfg.PoolSize,
		SweepInterval: time.Duration(a.cfg.SweepInterval),
		LeaseTTL:      time.Duration(a.cfg.LeaseTTL),
		StaleAfter:    time.Duration(a.cfg.StaleAfter),
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	a.dispatcher, err = dispatcher.New(dispatcher.Config{
		Catalog: a.holder,
		Runner:  a.scheduler,
		Clock:   exec.Clock(),
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	a.cron = scheduler.NewCronTriggers(a.dispatcher, a.logger)
	a.dispatcher.OnSwap(func(s *catalog.Snapshot) error { return a.cron.Sync(s.Graphs()) })
	if err := a.cron.Sync(snapshot.Graphs()); err != nil {
		return err
	}

	a.logger.Info("engine wired",
		"store", a.cfg.Store,
		"workflows", snapshot.Len(),
		"channels", senders.Channels(),
		"owner", a.scheduler.Owner(),
	)
	return nil
}

// start launches the sweep loop and the cron triggers.
func (a *app) start(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	a.cron.Start(ctx)
	return nil
}

// close stops background work and releases the store.
func (a *app) close() error {
	a.cron.Stop()
	return errors.Join(a.scheduler.Stop(), a.store.Close())
}

// handler builds the HTTP surface. /metrics is served only when enabled.
func (a *app) handler(withMetrics bool) http.Handler {
	deps := webhook.Deps{
		Dispatcher: a.dispatcher,
		Canceller:  a.scheduler,
		Runs:       a.store,
		Hub:        a.hub,
		Logger:     a.logger,
	}
	if withMetrics {
		deps.Metrics = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	}
	return webhook.NewServer(deps).Handler()
}

// reloadCatalog loads the workflows again and swaps them in. The running
// snapshot stays when loading fails.
func (a *app) reloadCatalog(cfg Config) error {
	snapshot, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	return a.dispatcher.Swap(snapshot)
}

func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (backend, error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemoryStore(), nil
	case "libsql", "":
		if path, ok := strings.CutPrefix(cfg.DBPath, "file:"); ok {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
			}
		}
		s, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil
	case "badger":
		return store.NewBadgerStore(cfg.BadgerDir, logger)
	case "redis":
		return store.OpenRedisStore(ctx, cfg.RedisAddr, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown store %q (want memory, libsql, badger or redis)", cfg.Store)
	}
}

// openVault returns the encrypted vault when a passphrase is set, and the
// read-only environment vault otherwise.
func openVault(cfg Config, s secrets.SecretStore) (secrets.Vault, error) {
	if cfg.VaultPassphrase == "" {
		return secrets.NewEnvVault(), nil
	}
	salt, err := loadOrCreateSalt(saltPath())
	if err != nil {
		return nil, err
	}
	return secrets.NewAESVault(s, secrets.VaultConfig{Passphrase: cfg.VaultPassphrase, Salt: salt})
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) > 0 {
		return salt, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// newSenders registers an HTTP gateway per configured channel. Channels
// without a gateway are logged instead of sent.
func newSenders(cfg Config, logger *slog.Logger) (*messaging.Registry, error) {
	reg := messaging.NewRegistry()
	for name, ch := range cfg.Channels {
		if ch.URL == "" {
			return nil, fmt.Errorf("channel %q: url is required", name)
		}
		sender := messaging.NewHTTPSender(name, messaging.HTTPConfig{URL: ch.URL, Timeout: time.Duration(ch.Timeout)})
		if err := reg.Register(name, sender); err != nil {
			return nil, err
		}
	}
	reg.SetFallback(messaging.NewLogSender(logger))
	return reg, nil
}

func loadCatalog(cfg Config) (*catalog.Snapshot, error) {
	if cfg.CatalogDir == "" {
		return catalog.Builtin()
	}
	return catalog.LoadDir(cfg.CatalogDir)
}
