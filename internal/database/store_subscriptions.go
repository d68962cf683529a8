package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const subscriptionColumns = `id, chat_id, persona_id, plan, started_at, period_end, is_active, granted_by_user_id`

func (s *sqlxStore) GetSubscription(ctx context.Context, chatID, personaID int64) (*Subscription, error) {
	var subscription Subscription
	err := s.db.GetContext(ctx, &subscription,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE chat_id = ? AND persona_id = ?`,
		chatID, personaID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("subscription for chat %d persona %d: %w", chatID, personaID, ErrNotFound)
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting subscription", "chat_id", chatID, "persona_id", personaID, "error", err)
		return nil, wrapStore("get subscription", err)
	}
	return &subscription, nil
}

// UpsertSubscription activates or renews the single subscription row for a
// (chat, persona) pair. The unique constraint keeps at most one live row per
// pair; activation, renewal and free grants all land here.
func (s *sqlxStore) UpsertSubscription(ctx context.Context, subscription *Subscription) error {
	if subscription == nil {
		return fmt.Errorf("cannot save nil subscription")
	}
	if subscription.ChatID == 0 {
		return fmt.Errorf("subscription must have a non-zero chat_id")
	}
	if subscription.PersonaID == 0 {
		return fmt.Errorf("subscription must have a non-zero persona_id")
	}
	switch subscription.Plan {
	case PlanMonthly, PlanYearly, PlanFree:
	default:
		return fmt.Errorf("subscription has unsupported plan %q", subscription.Plan)
	}
	if subscription.StartedAt.IsZero() {
		subscription.StartedAt = time.Now().UTC()
	}
	subscription.IsActive = true

	query := `
        INSERT INTO subscriptions (chat_id, persona_id, plan, started_at, period_end, is_active, granted_by_user_id)
        VALUES (:chat_id, :persona_id, :plan, :started_at, :period_end, :is_active, :granted_by_user_id)
        ON CONFLICT (chat_id, persona_id) DO UPDATE SET
            plan = excluded.plan,
            started_at = excluded.started_at,
            period_end = excluded.period_end,
            is_active = excluded.is_active,
            granted_by_user_id = excluded.granted_by_user_id;
    `
	if _, err := s.db.NamedExecContext(ctx, query, subscription); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting subscription",
			"chat_id", subscription.ChatID, "persona_id", subscription.PersonaID, "error", err)
		return wrapStore("upsert subscription", err)
	}

	s.logger.InfoContext(ctx, "Subscription saved",
		"chat_id", subscription.ChatID, "persona_id", subscription.PersonaID, "plan", subscription.Plan)
	return nil
}

// DeactivateSubscription is the explicit admin revocation; the only backward
// lifecycle transition.
func (s *sqlxStore) DeactivateSubscription(ctx context.Context, chatID, personaID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET is_active = 0 WHERE chat_id = ? AND persona_id = ?`, chatID, personaID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deactivating subscription", "chat_id", chatID, "persona_id", personaID, "error", err)
		return wrapStore("deactivate subscription", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("subscription for chat %d persona %d: %w", chatID, personaID, ErrNotFound)
	}
	s.logger.InfoContext(ctx, "Subscription deactivated", "chat_id", chatID, "persona_id", personaID)
	return nil
}

// ListExpiringSubscriptions returns active paid subscriptions whose period
// ended within [from, to). The window keeps the expiry sweep from
// re-selecting long-lapsed rows on every run; gate correctness never
// depends on it.
func (s *sqlxStore) ListExpiringSubscriptions(ctx context.Context, from, to time.Time) ([]Subscription, error) {
	var subscriptions []Subscription
	query := `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE is_active = 1 AND period_end IS NOT NULL AND period_end >= ? AND period_end < ?
        ORDER BY period_end ASC;
    `
	if err := s.db.SelectContext(ctx, &subscriptions, query, from, to); err != nil {
		s.logger.ErrorContext(ctx, "Error listing expiring subscriptions", "error", err)
		return nil, wrapStore("list expiring subscriptions", err)
	}
	return subscriptions, nil
}
