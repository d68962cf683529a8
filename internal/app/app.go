// Package app assembles the platform: configuration, storage, the
// credential cache, the gates, the moderation pipeline, the dispatcher,
// the HTTP ingress and the scheduler, and runs them as one unit.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/edgard/quotehive/internal/config"
	"github.com/edgard/quotehive/internal/database"
	"github.com/edgard/quotehive/internal/dispatch"
	"github.com/edgard/quotehive/internal/gate"
	"github.com/edgard/quotehive/internal/httpapi"
	"github.com/edgard/quotehive/internal/logger"
	"github.com/edgard/quotehive/internal/moderation"
	"github.com/edgard/quotehive/internal/notify"
	"github.com/edgard/quotehive/internal/registry"
	"github.com/edgard/quotehive/internal/schedule"
)

// App holds the assembled components.
type App struct {
	logger    *slog.Logger
	closeDB   func()
	server    *httpapi.Server
	scheduler *schedule.Scheduler
	cache     *registry.Cache
}

// New loads configuration from configPath and wires every component. The
// returned App is ready to Run; no goroutines are started yet.
func New(configPath string) (*App, error) {
	bootLog := slog.Default()
	cfg, err := config.NewProvider(configPath, bootLog)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	current := cfg.Current()
	log := logger.New(current.LogLevel, current.LogJSON)

	db, err := database.NewDB(current.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store := database.NewStore(db, log)

	cache := registry.New(store, log)
	notifier := notify.New(cfg, log)
	limiter := gate.NewLimiter(cfg, log)
	subGate := gate.NewSubscriptionGate(store, cfg, log)
	pipeline := moderation.NewPipeline(store, limiter, subGate, notifier, log)
	dispatcher := dispatch.New(cache, store, pipeline, subGate, notifier, log)
	server := httpapi.New(cfg, cache, store, dispatcher, log)

	tasks := schedule.NewTasks(store, cache, notifier, cfg, log)
	scheduler, err := schedule.New(cfg, tasks, log)
	if err != nil {
		database.CloseDB(db)
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}

	return &App{
		logger:    log,
		closeDB:   func() { database.CloseDB(db) },
		server:    server,
		scheduler: scheduler,
		cache:     cache,
	}, nil
}

// Run primes the credential cache and serves until ctx is cancelled. The
// HTTP server and the scheduler run under one errgroup; the first failure
// tears both down.
func (a *App) Run(ctx context.Context) error {
	defer a.closeDB()

	if count, err := a.cache.Reload(ctx); err != nil {
		// Startup continues with an empty cache; the registry may come up
		// later and the refresh task retries.
		a.logger.Warn("Initial cache load failed, starting with empty routing table", "error", err)
	} else {
		a.logger.Info("Routing table primed", "bots", count)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(ctx) })
	g.Go(func() error { return a.scheduler.Run(ctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("application run failed: %w", err)
	}
	return nil
}
