package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgard/quotehive/internal/database"
)

func newGateStore(t *testing.T) database.Store {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })
	return database.NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubscriptionGateStates(t *testing.T) {
	t.Parallel()
	store := newGateStore(t)
	cfg := newTestProvider(t, "webhook_secret: test\nmonthly_period_days: 30\ngrace_days: 3\n")
	gate := NewSubscriptionGate(store, cfg, nil)
	ctx := context.Background()

	persona, err := store.CreatePersona(ctx, "gated", "", "en")
	if err != nil {
		t.Fatalf("CreatePersona() error = %v", err)
	}
	const chatID = int64(600)

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return now }

	// No row at all.
	status, err := gate.Check(ctx, chatID, persona.ID)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if status != StatusInactive {
		t.Errorf("Check() with no subscription = %v, want StatusInactive", status)
	}

	subscription, err := gate.Activate(ctx, chatID, persona.ID, database.PlanMonthly)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	wantEnd := now.AddDate(0, 0, 30)
	if !subscription.PeriodEnd.Valid || !subscription.PeriodEnd.Time.Equal(wantEnd) {
		t.Errorf("period end = %v, want %v", subscription.PeriodEnd, wantEnd)
	}

	tests := []struct {
		name string
		at   time.Time
		want Status
	}{
		{name: "inside period", at: now.AddDate(0, 0, 15), want: StatusActive},
		{name: "just after period, inside grace", at: wantEnd.Add(time.Hour), want: StatusGraceExpired},
		{name: "after grace", at: wantEnd.AddDate(0, 0, 4), want: StatusInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate.now = func() time.Time { return tt.at }
			status, err := gate.Check(ctx, chatID, persona.ID)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if status != tt.want {
				t.Errorf("Check() = %v, want %v", status, tt.want)
			}
		})
	}
}

func TestSubscriptionGrantNeverExpires(t *testing.T) {
	t.Parallel()
	store := newGateStore(t)
	cfg := newTestProvider(t, "webhook_secret: test\n")
	gate := NewSubscriptionGate(store, cfg, nil)
	ctx := context.Background()

	persona, err := store.CreatePersona(ctx, "free", "", "en")
	if err != nil {
		t.Fatalf("CreatePersona() error = %v", err)
	}

	subscription, err := gate.Grant(ctx, 601, persona.ID, 42)
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if !subscription.GrantedByUserID.Valid || subscription.GrantedByUserID.Int64 != 42 {
		t.Errorf("granted_by_user_id = %+v, want 42", subscription.GrantedByUserID)
	}

	// Years later the grant still holds.
	gate.now = func() time.Time { return time.Date(2036, 1, 1, 0, 0, 0, 0, time.UTC) }
	status, err := gate.Check(ctx, 601, persona.ID)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if status != StatusActive {
		t.Errorf("Check() on free grant = %v, want StatusActive", status)
	}
}

func TestActivateRejectsFreePlan(t *testing.T) {
	t.Parallel()
	store := newGateStore(t)
	cfg := newTestProvider(t, "webhook_secret: test\n")
	gate := NewSubscriptionGate(store, cfg, nil)

	if _, err := gate.Activate(context.Background(), 602, 1, database.PlanFree); err == nil {
		t.Error("Activate(PlanFree) error = nil, want error directing callers to Grant")
	}
	if _, err := gate.Activate(context.Background(), 602, 1, database.SubscriptionPlan("weekly")); err == nil {
		t.Error("Activate(unknown plan) error = nil, want error")
	}
}

func TestRevokeMakesInactive(t *testing.T) {
	t.Parallel()
	store := newGateStore(t)
	cfg := newTestProvider(t, "webhook_secret: test\n")
	gate := NewSubscriptionGate(store, cfg, nil)
	ctx := context.Background()

	persona, err := store.CreatePersona(ctx, "revoked", "", "en")
	if err != nil {
		t.Fatalf("CreatePersona() error = %v", err)
	}
	if _, err := gate.Grant(ctx, 603, persona.ID, 1); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if err := gate.Revoke(ctx, 603, persona.ID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	status, err := gate.Check(ctx, 603, persona.ID)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if status != StatusInactive {
		t.Errorf("Check() after revoke = %v, want StatusInactive", status)
	}

	if err := gate.Revoke(ctx, 999, persona.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Revoke(missing) error = %v, want ErrNotFound", err)
	}
}
