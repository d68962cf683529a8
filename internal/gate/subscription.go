package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgard/quotehive/internal/config"
	"github.com/edgard/quotehive/internal/database"
)

// ErrSubscriptionRequired indicates the chat has no active entitlement for
// the persona; the caller surfaces a payment prompt instead of creating a
// submission.
var ErrSubscriptionRequired = errors.New("subscription required")

// Status is the lazily evaluated entitlement state of a (chat, persona)
// pair at check time.
type Status int

const (
	StatusInactive Status = iota
	StatusActive
	StatusGraceExpired
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusGraceExpired:
		return "grace_expired"
	default:
		return "inactive"
	}
}

// SubscriptionGate evaluates and mutates per-(chat, persona) entitlements.
// Expiry is computed at evaluation time from the stored period timestamps;
// no background sweep is required for correctness.
type SubscriptionGate struct {
	store  database.Store
	cfg    *config.Provider
	logger *slog.Logger
	now    func() time.Time
}

// NewSubscriptionGate creates a gate backed by the given store.
func NewSubscriptionGate(store database.Store, cfg *config.Provider, logger *slog.Logger) *SubscriptionGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionGate{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "subscription_gate"),
		now:    time.Now,
	}
}

// Check returns the entitlement status for a chat and persona. A missing
// row is Inactive; a free grant is Active indefinitely; a paid plan is
// Active until its period end, GraceExpired through the configured grace
// window, and Inactive after.
func (g *SubscriptionGate) Check(ctx context.Context, chatID, personaID int64) (Status, error) {
	subscription, err := g.store.GetSubscription(ctx, chatID, personaID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return StatusInactive, nil
		}
		return StatusInactive, err
	}

	return g.evaluate(subscription), nil
}

func (g *SubscriptionGate) evaluate(subscription *database.Subscription) Status {
	if !subscription.IsActive {
		return StatusInactive
	}
	// Free grants and open-ended periods never expire.
	if subscription.Plan == database.PlanFree || !subscription.PeriodEnd.Valid {
		return StatusActive
	}

	now := g.now().UTC()
	periodEnd := subscription.PeriodEnd.Time
	if now.Before(periodEnd) {
		return StatusActive
	}
	grace := time.Duration(g.cfg.Current().GraceDays) * 24 * time.Hour
	if now.Before(periodEnd.Add(grace)) {
		return StatusGraceExpired
	}
	return StatusInactive
}

// Activate starts or renews a paid subscription for the pair, computing the
// period end from the configured plan duration. The payment itself is an
// external grant/charge outcome; by the time this is called the charge
// succeeded.
func (g *SubscriptionGate) Activate(ctx context.Context, chatID, personaID int64, plan database.SubscriptionPlan) (*database.Subscription, error) {
	cfg := g.cfg.Current()
	now := g.now().UTC()

	var periodEnd sql.NullTime
	switch plan {
	case database.PlanMonthly:
		periodEnd = sql.NullTime{Time: now.AddDate(0, 0, cfg.MonthlyPeriodDays), Valid: true}
	case database.PlanYearly:
		periodEnd = sql.NullTime{Time: now.AddDate(0, 0, cfg.YearlyPeriodDays), Valid: true}
	case database.PlanFree:
		// Free grants go through Grant so the granting admin is recorded.
		return nil, fmt.Errorf("free subscriptions require a granting admin")
	default:
		return nil, fmt.Errorf("unsupported subscription plan %q", plan)
	}

	subscription := &database.Subscription{
		ChatID:    chatID,
		PersonaID: personaID,
		Plan:      plan,
		StartedAt: now,
		PeriodEnd: periodEnd,
	}
	if err := g.store.UpsertSubscription(ctx, subscription); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "Subscription activated",
		"chat_id", chatID, "persona_id", personaID, "plan", plan, "period_end", periodEnd.Time)
	return subscription, nil
}

// Grant issues a free subscription that behaves as Active without a
// recurring charge, recording the granting admin's identity for audit.
func (g *SubscriptionGate) Grant(ctx context.Context, chatID, personaID, grantedByUserID int64) (*database.Subscription, error) {
	subscription := &database.Subscription{
		ChatID:          chatID,
		PersonaID:       personaID,
		Plan:            database.PlanFree,
		StartedAt:       g.now().UTC(),
		GrantedByUserID: sql.NullInt64{Int64: grantedByUserID, Valid: true},
	}
	if err := g.store.UpsertSubscription(ctx, subscription); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "Free subscription granted",
		"chat_id", chatID, "persona_id", personaID, "granted_by", grantedByUserID)
	return subscription, nil
}

// Revoke is the explicit admin revocation of an entitlement.
func (g *SubscriptionGate) Revoke(ctx context.Context, chatID, personaID int64) error {
	return g.store.DeactivateSubscription(ctx, chatID, personaID)
}
