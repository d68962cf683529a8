package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgard/quotehive/internal/config"
	"github.com/edgard/quotehive/internal/database"
	"github.com/edgard/quotehive/internal/registry"
)

// Notifier is the outbound surface the sweep uses for expiry reminders.
type Notifier interface {
	Send(ctx context.Context, credential string, chatID int64, text string) error
}

// Tasks bundles the dependencies of the scheduled task bodies.
type Tasks struct {
	store    database.Store
	cache    *registry.Cache
	notifier Notifier
	cfg      *config.Provider
	logger   *slog.Logger
}

// NewTasks wires the scheduled tasks.
func NewTasks(store database.Store, cache *registry.Cache, notifier Notifier, cfg *config.Provider, logger *slog.Logger) *Tasks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tasks{
		store:    store,
		cache:    cache,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "scheduled_tasks"),
	}
}

// SubscriptionSweep notifies chats whose paid period lapsed within the
// grace window. Expiry itself is enforced lazily at check time; the sweep
// only communicates it, and rows older than the grace window are past
// renewal so they stay quiet. Best-effort throughout: a failed reminder is
// logged and retried on the next run.
func (t *Tasks) SubscriptionSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	now := time.Now().UTC()
	grace := time.Duration(t.cfg.Current().GraceDays) * 24 * time.Hour
	subscriptions, err := t.store.ListExpiringSubscriptions(ctx, now.Add(-grace), now)
	if err != nil {
		t.logger.ErrorContext(ctx, "Subscription sweep failed to list expiring rows", "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	routes, err := t.store.ListActiveBotRoutes(ctx)
	if err != nil {
		t.logger.ErrorContext(ctx, "Subscription sweep failed to list bot routes", "error", err)
		return
	}
	botByPersona := make(map[int64]int64, len(routes))
	for _, route := range routes {
		if _, ok := botByPersona[route.PersonaID]; !ok {
			botByPersona[route.PersonaID] = route.BotID
		}
	}

	notified := 0
	for _, sub := range subscriptions {
		botID, ok := botByPersona[sub.PersonaID]
		if !ok {
			continue
		}
		// Live credentials are only known for bots observed since process
		// start; skipping here is fine, the next run retries.
		credential, ok := t.cache.CredentialFor(botID)
		if !ok {
			continue
		}
		text := "Your subscription period has ended. Renew to keep submitting; a short grace window applies."
		if err := t.notifier.Send(ctx, credential, sub.ChatID, text); err != nil {
			t.logger.WarnContext(ctx, "Expiry reminder failed", "chat_id", sub.ChatID, "error", err)
			continue
		}
		notified++
	}
	t.logger.InfoContext(ctx, "Subscription sweep complete", "expiring", len(subscriptions), "notified", notified)
}

// RegistryRefresh rebuilds the credential cache so out-of-band registry
// edits become routable without an explicit reload call.
func (t *Tasks) RegistryRefresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if _, err := t.cache.Reload(ctx); err != nil {
		t.logger.ErrorContext(ctx, "Registry refresh failed, previous snapshot stays active", "error", err)
	}
}
