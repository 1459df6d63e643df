package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/pario-ai/parley/pkg/archive"
	"github.com/pario-ai/parley/pkg/audit"
	"github.com/pario-ai/parley/pkg/budget"
	"github.com/pario-ai/parley/pkg/cache"
	"github.com/pario-ai/parley/pkg/config"
	"github.com/pario-ai/parley/pkg/gateway"
	"github.com/pario-ai/parley/pkg/history"
	"github.com/pario-ai/parley/pkg/ratelimit"
	"github.com/pario-ai/parley/pkg/router"
	"github.com/pario-ai/parley/pkg/store/redis"
	"github.com/pario-ai/parley/pkg/store/sqlite"
	"github.com/pario-ai/parley/pkg/tracker"
)

var configPath string

// sharedStore is what both backends provide to the limiter, cache and
// history.
type sharedStore interface {
	ratelimit.Store
	cache.Store
	history.Store
	Ping(ctx context.Context) error
	Close() error
}

// app holds the components opened for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   sharedStore
	tracker tracker.Tracker
	archive *archive.Store
	audit   *audit.Logger
	budget  *budget.Enforcer
	cache   *cache.Cache
	history *history.History
	limiter *ratelimit.Limiter
	router  *router.Router

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openApp loads the config and opens every component. Callers must
// Close the returned app.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: cfg.Log.NewLogger(os.Stderr)}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg

	switch cfg.Store.Backend {
	case config.BackendRedis:
		st, err := redis.Dial(ctx, cfg.Store.RedisURL, cfg.Store.KeyPrefix)
		if err != nil {
			return fmt.Errorf("init redis store: %w", err)
		}
		a.store = st
	default:
		st, err := sqlite.New(cfg.DBPath, sqlite.Options{
			SweepInterval: cfg.Store.SweepInterval,
			Logger:        a.logger,
		})
		if err != nil {
			return fmt.Errorf("init sqlite store: %w", err)
		}
		a.store = st
	}
	a.closers = append(a.closers, a.store.Close)

	tr, err := tracker.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}
	a.tracker = tr
	a.closers = append(a.closers, tr.Close)

	histOpts := history.Options{
		TTL:         cfg.History.TTL,
		MaxMessages: cfg.History.MaxMessages,
	}
	if cfg.Archive.Enabled {
		arc, err := archive.Open(ctx, cfg.Archive.Driver, cfg.Archive.DSN)
		if err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
		a.archive = arc
		a.closers = append(a.closers, arc.Close)
		histOpts.Durable = arc
		if cfg.History.Archive {
			histOpts.Archive = arc
		}
	}
	a.history = history.New(a.store, histOpts, a.logger)

	if cfg.Cache.Enabled {
		a.cache = cache.New(a.store, cache.Options{
			TTL:          cfg.Cache.TTL,
			LockTTL:      cfg.Cache.LockTTL,
			WaitTimeout:  cfg.Cache.WaitTimeout,
			PollInterval: cfg.Cache.PollInterval,
		}, a.logger)
	}

	if cfg.RateLimit.Enabled {
		a.limiter = ratelimit.New(a.store, cfg.RateLimit.Tiers, cfg.RateLimit.DefaultTier, a.logger)
	}

	if cfg.Budget.Enabled {
		a.budget = budget.New(cfg.Budget.Policies, tr)
	}

	if cfg.Audit.Enabled {
		al, err := audit.New(cfg.Audit)
		if err != nil {
			return fmt.Errorf("init audit: %w", err)
		}
		a.audit = al
		a.closers = append(a.closers, al.Close)
	}

	rt, err := router.New(cfg, &http.Client{}, a.logger)
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}
	a.router = rt
	return nil
}

// gateway assembles the orchestrator over the opened components.
func (a *app) gateway() *gateway.Gateway {
	return gateway.New(gateway.Deps{
		Router:  a.router,
		History: a.history,
		Limiter: a.limiter,
		Cache:   a.cache,
		Budget:  a.budget,
		Tracker: a.tracker,
		Audit:   a.audit,
	}, gateway.OptionsFromConfig(a.cfg), a.logger)
}

// Close releases components in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
