package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { CloseDB(db) })
	return NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustCreatePersona(t *testing.T, store Store, name string) *Persona {
	t.Helper()
	persona, err := store.CreatePersona(context.Background(), name, "test persona", "en")
	if err != nil {
		t.Fatalf("CreatePersona(%q) error = %v", name, err)
	}
	return persona
}

func mustCreateSubmission(t *testing.T, store Store, personaID int64, text string, createdAt time.Time) *Submission {
	t.Helper()
	submission := &Submission{
		PersonaID:         personaID,
		SubmittedByUserID: 100,
		SubmittedChatID:   200,
		MediaType:         MediaText,
		CreatedAt:         createdAt,
	}
	if text != "" {
		submission.TextContent.String = text
		submission.TextContent.Valid = true
	}
	if err := store.CreateSubmission(context.Background(), submission); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}
	return submission
}

func TestPersonaLifecycle(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	persona := mustCreatePersona(t, store, "sage")
	if persona.ID == 0 {
		t.Fatal("CreatePersona() did not assign an id")
	}

	got, err := store.GetPersonaByName(ctx, "sage")
	if err != nil {
		t.Fatalf("GetPersonaByName() error = %v", err)
	}
	if got.ID != persona.ID || got.Language != "en" {
		t.Errorf("GetPersonaByName() = %+v, want id %d language en", got, persona.ID)
	}

	if err := store.RenamePersona(ctx, persona.ID, "oracle"); err != nil {
		t.Fatalf("RenamePersona() error = %v", err)
	}
	if _, err := store.GetPersonaByName(ctx, "sage"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPersonaByName(old name) error = %v, want ErrNotFound", err)
	}

	if err := store.DeactivatePersona(ctx, persona.ID); err != nil {
		t.Fatalf("DeactivatePersona() error = %v", err)
	}
	active, err := store.ListPersonas(ctx, true)
	if err != nil {
		t.Fatalf("ListPersonas(activeOnly) error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ListPersonas(activeOnly) returned %d personas, want 0", len(active))
	}

	if err := store.DeactivatePersona(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeactivatePersona(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCreateSubmissionValidation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	persona := mustCreatePersona(t, store, "validator")

	tests := []struct {
		name       string
		submission *Submission
	}{
		{name: "nil submission", submission: nil},
		{name: "missing persona", submission: &Submission{SubmittedByUserID: 1, SubmittedChatID: 2, MediaType: MediaText}},
		{name: "missing chat", submission: &Submission{PersonaID: persona.ID, SubmittedByUserID: 1, MediaType: MediaText}},
		{name: "missing user", submission: &Submission{PersonaID: persona.ID, SubmittedChatID: 2, MediaType: MediaText}},
		{name: "bad media type", submission: &Submission{PersonaID: persona.ID, SubmittedByUserID: 1, SubmittedChatID: 2, MediaType: MediaType("video")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.CreateSubmission(context.Background(), tt.submission); err == nil {
				t.Error("CreateSubmission() error = nil, want validation error")
			}
		})
	}
}

func TestCreateSubmissionForcesPending(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	persona := mustCreatePersona(t, store, "pending-check")

	submission := &Submission{
		PersonaID:         persona.ID,
		SubmittedByUserID: 1,
		SubmittedChatID:   2,
		MediaType:         MediaText,
		Status:            StatusApproved,
	}
	if err := store.CreateSubmission(context.Background(), submission); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}

	got, err := store.GetSubmission(context.Background(), submission.ID)
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("new submission status = %q, want %q", got.Status, StatusPending)
	}
}

func TestApproveSubmissionPublishesQuoteAtomically(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	persona := mustCreatePersona(t, store, "approver")
	submission := mustCreateSubmission(t, store, persona.ID, "wisdom", time.Now().UTC())
	moderator := Moderator{UserID: 77, ChatID: -500}

	quoteID, err := store.ApproveSubmission(ctx, submission.ID, moderator)
	if err != nil {
		t.Fatalf("ApproveSubmission() error = %v", err)
	}
	if quoteID == 0 {
		t.Fatal("ApproveSubmission() returned quote id 0")
	}

	got, err := store.GetSubmission(ctx, submission.ID)
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("status = %q, want %q", got.Status, StatusApproved)
	}
	if !got.DecidedByUserID.Valid || got.DecidedByUserID.Int64 != moderator.UserID {
		t.Errorf("decided_by_user_id = %+v, want %d", got.DecidedByUserID, moderator.UserID)
	}

	count, err := store.CountQuotes(ctx, persona.ID)
	if err != nil {
		t.Fatalf("CountQuotes() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CountQuotes() = %d, want exactly 1", count)
	}

	quote, err := store.RandomQuote(ctx, persona.ID)
	if err != nil {
		t.Fatalf("RandomQuote() error = %v", err)
	}
	if !quote.SourceSubmissionID.Valid || quote.SourceSubmissionID.Int64 != submission.ID {
		t.Errorf("quote source_submission_id = %+v, want %d", quote.SourceSubmissionID, submission.ID)
	}
	if quote.TextContent.String != "wisdom" {
		t.Errorf("quote text = %q, want %q", quote.TextContent.String, "wisdom")
	}
	if quote.Language != "en" {
		t.Errorf("quote language = %q, want persona language en", quote.Language)
	}
}

func TestDecisionIsSingleWinner(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	persona := mustCreatePersona(t, store, "racer")
	submission := mustCreateSubmission(t, store, persona.ID, "contested", time.Now().UTC())

	first := Moderator{UserID: 1, ChatID: -1}
	second := Moderator{UserID: 2, ChatID: -2}

	if _, err := store.ApproveSubmission(ctx, submission.ID, first); err != nil {
		t.Fatalf("first ApproveSubmission() error = %v", err)
	}

	if _, err := store.ApproveSubmission(ctx, submission.ID, second); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("second ApproveSubmission() error = %v, want ErrAlreadyDecided", err)
	}
	if err := store.RejectSubmission(ctx, submission.ID, second, "late"); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("RejectSubmission() after approval error = %v, want ErrAlreadyDecided", err)
	}

	// The losing decisions must not have produced a second quote or
	// overwritten the winner.
	count, err := store.CountQuotes(ctx, persona.ID)
	if err != nil {
		t.Fatalf("CountQuotes() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CountQuotes() = %d, want 1", count)
	}
	got, err := store.GetSubmission(ctx, submission.ID)
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if got.DecidedByUserID.Int64 != first.UserID {
		t.Errorf("decided_by_user_id = %d, want winning moderator %d", got.DecidedByUserID.Int64, first.UserID)
	}
}

func TestRejectSubmissionRecordsReason(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	persona := mustCreatePersona(t, store, "rejecter")
	submission := mustCreateSubmission(t, store, persona.ID, "off topic", time.Now().UTC())

	if err := store.RejectSubmission(ctx, submission.ID, Moderator{UserID: 5, ChatID: -5}, "not a quote"); err != nil {
		t.Fatalf("RejectSubmission() error = %v", err)
	}

	got, err := store.GetSubmission(ctx, submission.ID)
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if got.Status != StatusRejected {
		t.Errorf("status = %q, want %q", got.Status, StatusRejected)
	}
	if got.RejectionReason.String != "not a quote" {
		t.Errorf("rejection_reason = %q, want %q", got.RejectionReason.String, "not a quote")
	}

	count, err := store.CountQuotes(ctx, persona.ID)
	if err != nil {
		t.Fatalf("CountQuotes() error = %v", err)
	}
	if count != 0 {
		t.Errorf("CountQuotes() = %d after rejection, want 0", count)
	}
}

func TestDecideMissingSubmission(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	if _, err := store.ApproveSubmission(context.Background(), 12345, Moderator{UserID: 1, ChatID: -1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("ApproveSubmission(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListPendingSubmissionsOrderAndExclusion(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	persona := mustCreatePersona(t, store, "queue")

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	oldest := mustCreateSubmission(t, store, persona.ID, "first", base)
	middle := mustCreateSubmission(t, store, persona.ID, "second", base.Add(time.Minute))
	mustCreateSubmission(t, store, persona.ID, "third", base.Add(2*time.Minute))

	pending, err := store.ListPendingSubmissions(ctx, persona.ID, nil, 10)
	if err != nil {
		t.Fatalf("ListPendingSubmissions() error = %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("ListPendingSubmissions() returned %d, want 3", len(pending))
	}
	if pending[0].ID != oldest.ID {
		t.Errorf("first pending = #%d, want oldest #%d", pending[0].ID, oldest.ID)
	}

	pending, err = store.ListPendingSubmissions(ctx, persona.ID, []int64{oldest.ID}, 1)
	if err != nil {
		t.Fatalf("ListPendingSubmissions(exclude) error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != middle.ID {
		t.Errorf("ListPendingSubmissions(exclude oldest) = %+v, want only #%d", pending, middle.ID)
	}

	count, err := store.CountPendingSubmissions(ctx, persona.ID)
	if err != nil {
		t.Fatalf("CountPendingSubmissions() error = %v", err)
	}
	if count != 3 {
		t.Errorf("CountPendingSubmissions() = %d, want 3", count)
	}
}

func TestSubscriptionUpsertKeepsOneRowPerPair(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	persona := mustCreatePersona(t, store, "subs")
	started := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	monthly := &Subscription{
		ChatID: 300, PersonaID: persona.ID, Plan: PlanMonthly, StartedAt: started,
	}
	monthly.PeriodEnd.Time = started.AddDate(0, 0, 30)
	monthly.PeriodEnd.Valid = true
	if err := store.UpsertSubscription(ctx, monthly); err != nil {
		t.Fatalf("UpsertSubscription(monthly) error = %v", err)
	}

	yearly := &Subscription{
		ChatID: 300, PersonaID: persona.ID, Plan: PlanYearly, StartedAt: started,
	}
	yearly.PeriodEnd.Time = started.AddDate(0, 0, 365)
	yearly.PeriodEnd.Valid = true
	if err := store.UpsertSubscription(ctx, yearly); err != nil {
		t.Fatalf("UpsertSubscription(yearly) error = %v", err)
	}

	got, err := store.GetSubscription(ctx, 300, persona.ID)
	if err != nil {
		t.Fatalf("GetSubscription() error = %v", err)
	}
	if got.Plan != PlanYearly {
		t.Errorf("plan after renewal = %q, want %q", got.Plan, PlanYearly)
	}

	expiring, err := store.ListExpiringSubscriptions(ctx, started, started.AddDate(1, 1, 0))
	if err != nil {
		t.Fatalf("ListExpiringSubscriptions() error = %v", err)
	}
	if len(expiring) != 1 {
		t.Errorf("ListExpiringSubscriptions() returned %d, want 1", len(expiring))
	}

	if err := store.DeactivateSubscription(ctx, 300, persona.ID); err != nil {
		t.Fatalf("DeactivateSubscription() error = %v", err)
	}
	got, err = store.GetSubscription(ctx, 300, persona.ID)
	if err != nil {
		t.Fatalf("GetSubscription() after revoke error = %v", err)
	}
	if got.IsActive {
		t.Error("subscription still active after DeactivateSubscription()")
	}
}

func TestListExpiringSubscriptionsWindow(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	persona := mustCreatePersona(t, store, "windowed")

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	windowStart := now.AddDate(0, 0, -3)

	upsert := func(chatID int64, periodEnd time.Time) {
		t.Helper()
		subscription := &Subscription{
			ChatID: chatID, PersonaID: persona.ID, Plan: PlanMonthly, StartedAt: periodEnd.AddDate(0, 0, -30),
		}
		subscription.PeriodEnd.Time = periodEnd
		subscription.PeriodEnd.Valid = true
		if err := store.UpsertSubscription(ctx, subscription); err != nil {
			t.Fatalf("UpsertSubscription(chat %d) error = %v", chatID, err)
		}
	}

	upsert(401, now.AddDate(0, 0, -20)) // lapsed long ago, outside the window
	upsert(402, now.Add(-12*time.Hour)) // lapsed within the window
	upsert(403, now.AddDate(0, 0, 10))  // still running

	expiring, err := store.ListExpiringSubscriptions(ctx, windowStart, now)
	if err != nil {
		t.Fatalf("ListExpiringSubscriptions() error = %v", err)
	}
	if len(expiring) != 1 {
		t.Fatalf("ListExpiringSubscriptions() returned %d rows, want 1", len(expiring))
	}
	if expiring[0].ChatID != 402 {
		t.Errorf("expiring chat = %d, want 402", expiring[0].ChatID)
	}
}

func TestActiveBotRoutes(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	persona := mustCreatePersona(t, store, "routed")

	bot, err := store.CreateBot(ctx, "hash-a", "RoutedBot", persona.ID)
	if err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}

	routes, err := store.ListActiveBotRoutes(ctx)
	if err != nil {
		t.Fatalf("ListActiveBotRoutes() error = %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("ListActiveBotRoutes() returned %d, want 1", len(routes))
	}
	if routes[0].TokenHash != "hash-a" || routes[0].PersonaName != "routed" {
		t.Errorf("route = %+v, want hash-a for persona routed", routes[0])
	}

	if err := store.DeactivateBot(ctx, bot.ID); err != nil {
		t.Fatalf("DeactivateBot() error = %v", err)
	}
	routes, err = store.ListActiveBotRoutes(ctx)
	if err != nil {
		t.Fatalf("ListActiveBotRoutes() after deactivation error = %v", err)
	}
	if len(routes) != 0 {
		t.Errorf("deactivated bot still routed: %+v", routes)
	}
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	entry := &AuditEntry{
		EventID:     "evt-1",
		EventType:   "submission_create",
		ActorUserID: 1,
		ActorChatID: 2,
		EntityType:  "submission",
		EntityID:    3,
		Success:     true,
	}
	if err := store.AppendAudit(context.Background(), entry); err != nil {
		t.Fatalf("AppendAudit() error = %v", err)
	}
	if entry.ID == 0 {
		t.Error("AppendAudit() did not assign an id")
	}

	if err := store.AppendAudit(context.Background(), &AuditEntry{EventID: "evt-2"}); err == nil {
		t.Error("AppendAudit() without event type error = nil, want error")
	}
}
