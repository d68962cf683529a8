// Package schedule runs the periodic background tasks: the subscription
// expiry sweep and the registry refresh. Tasks are enabled and scheduled
// through configuration; correctness never depends on them, they only
// improve freshness and user communication.
package schedule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	"github.com/edgard/quotehive/internal/config"
)

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// New builds a scheduler from the configured task map. Unknown task names
// are rejected so a typo in configuration fails fast at startup.
func New(cfg *config.Provider, tasks *Tasks, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	available := map[string]func(context.Context){
		"subscription_sweep": tasks.SubscriptionSweep,
		"registry_refresh":   tasks.RegistryRefresh,
	}

	for name, taskCfg := range cfg.Current().Scheduler {
		if !taskCfg.Enabled {
			logger.Info("Scheduled task disabled", "task", name)
			continue
		}
		run, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("unknown scheduled task %q", name)
		}
		if _, err := scheduler.NewJob(
			gocron.CronJob(taskCfg.Schedule, false),
			gocron.NewTask(run),
			gocron.WithName(name),
		); err != nil {
			return nil, fmt.Errorf("failed to schedule task %q: %w", name, err)
		}
		logger.Info("Scheduled task registered", "task", name, "schedule", taskCfg.Schedule)
	}

	return &Scheduler{scheduler: scheduler, logger: logger}, nil
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.scheduler.Start()
	<-ctx.Done()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown failed: %w", err)
	}
	return nil
}
