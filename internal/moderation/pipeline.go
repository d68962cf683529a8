// Package moderation implements the submission pipeline: gated intake of
// community content and the moderator decision workflow that turns a
// pending submission into a published quote or a terminal rejection.
package moderation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/edgard/quotehive/internal/database"
	"github.com/edgard/quotehive/internal/gate"
)

// Notifier delivers outbound messages on behalf of a bot credential. Calls
// are bounded by the implementation's timeout; a delivery failure never
// rolls back the state transition that triggered it.
type Notifier interface {
	Send(ctx context.Context, credential string, chatID int64, text string) error
}

// SubmitRequest carries one piece of inbound community content through the
// gates and into the submissions table.
type SubmitRequest struct {
	PersonaID   int64
	PersonaName string
	ChatID      int64
	UserID      int64
	MediaType   database.MediaType
	Text        string
	FileID      string
}

// Pipeline runs the submission state machine. All durable transitions go
// through the store's conditional updates; the pipeline adds gating, audit
// and notification around them.
type Pipeline struct {
	store    database.Store
	limiter  *gate.Limiter
	subGate  *gate.SubscriptionGate
	notifier Notifier
	logger   *slog.Logger
	cursor   *reviewCursor
}

// NewPipeline wires the moderation pipeline.
func NewPipeline(store database.Store, limiter *gate.Limiter, subGate *gate.SubscriptionGate, notifier Notifier, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		limiter:  limiter,
		subGate:  subGate,
		notifier: notifier,
		logger:   logger.With("component", "moderation_pipeline"),
		cursor:   newReviewCursor(),
	}
}

// audit appends one audit entry. Audit failures are logged, never allowed
// to fail the operation that produced them.
func (p *Pipeline) audit(ctx context.Context, eventType string, userID, chatID int64, entityType string, entityID int64, success bool, detail string) {
	entry := &database.AuditEntry{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		ActorUserID: userID,
		ActorChatID: chatID,
		EntityType:  entityType,
		EntityID:    entityID,
		Success:     success,
		Detail:      detail,
	}
	if err := p.store.AppendAudit(ctx, entry); err != nil {
		p.logger.ErrorContext(ctx, "Failed to append audit entry", "event_type", eventType, "error", err)
	}
}

// Submit runs the intake gates and creates a pending submission. The
// submission is created only if both checks pass; gate failures return the
// specific sentinel and never touch the submissions table.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*database.Submission, error) {
	if !p.limiter.Allow(req.ChatID, gate.OpSubmit) {
		p.audit(ctx, "submission_gated", req.UserID, req.ChatID, "persona", req.PersonaID, false, "rate limited")
		return nil, &gate.RateLimitError{
			ChatID:     req.ChatID,
			Op:         gate.OpSubmit,
			RetryAfter: p.limiter.RetryAfter(req.ChatID, gate.OpSubmit),
		}
	}

	status, err := p.subGate.Check(ctx, req.ChatID, req.PersonaID)
	if err != nil {
		p.audit(ctx, "submission_gated", req.UserID, req.ChatID, "persona", req.PersonaID, false, "subscription check failed")
		return nil, err
	}
	if status != gate.StatusActive {
		p.audit(ctx, "submission_gated", req.UserID, req.ChatID, "persona", req.PersonaID, false, "subscription "+status.String())
		return nil, fmt.Errorf("chat %d persona %d is %s: %w", req.ChatID, req.PersonaID, status, gate.ErrSubscriptionRequired)
	}

	submission := &database.Submission{
		PersonaID:         req.PersonaID,
		SubmittedByUserID: req.UserID,
		SubmittedChatID:   req.ChatID,
		MediaType:         req.MediaType,
	}
	if req.Text != "" {
		submission.TextContent = sql.NullString{String: req.Text, Valid: true}
	}
	if req.FileID != "" {
		submission.FileID = sql.NullString{String: req.FileID, Valid: true}
	}

	if err := p.store.CreateSubmission(ctx, submission); err != nil {
		p.audit(ctx, "submission_create", req.UserID, req.ChatID, "persona", req.PersonaID, false, "store failure")
		return nil, err
	}

	p.audit(ctx, "submission_create", req.UserID, req.ChatID, "submission", submission.ID, true, string(req.MediaType))
	return submission, nil
}

// Approve transitions a pending submission to approved, publishing its
// quote atomically, then notifies the submitter. The notification is
// best-effort: its failure is recorded and never reverses the committed
// decision.
func (p *Pipeline) Approve(ctx context.Context, credential string, personaID, submissionID int64, moderator database.Moderator) (int64, error) {
	if !p.limiter.Allow(moderator.ChatID, gate.OpModerate) {
		return 0, &gate.RateLimitError{
			ChatID:     moderator.ChatID,
			Op:         gate.OpModerate,
			RetryAfter: p.limiter.RetryAfter(moderator.ChatID, gate.OpModerate),
		}
	}

	submission, err := p.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return 0, err
	}
	if personaID != 0 && submission.PersonaID != personaID {
		return 0, fmt.Errorf("submission %d belongs to another persona: %w", submissionID, database.ErrNotFound)
	}

	quoteID, err := p.store.ApproveSubmission(ctx, submissionID, moderator)
	if err != nil {
		p.audit(ctx, "submission_approve", moderator.UserID, moderator.ChatID, "submission", submissionID, false, err.Error())
		return 0, err
	}
	p.cursor.forget(moderator.ChatID, submissionID)
	p.audit(ctx, "submission_approve", moderator.UserID, moderator.ChatID, "submission", submissionID, true, fmt.Sprintf("quote %d", quoteID))

	text := "Your submission was approved and published. Thank you!"
	if err := p.notifier.Send(ctx, credential, submission.SubmittedChatID, text); err != nil {
		p.logger.WarnContext(ctx, "Approval notification failed",
			"submission_id", submissionID, "chat_id", submission.SubmittedChatID, "error", err)
	}

	return quoteID, nil
}

// Reject transitions a pending submission to rejected with an optional
// reason and notifies the submitter. Terminal; corrections require a new
// submission.
func (p *Pipeline) Reject(ctx context.Context, credential string, personaID, submissionID int64, moderator database.Moderator, reason string) error {
	if !p.limiter.Allow(moderator.ChatID, gate.OpModerate) {
		return &gate.RateLimitError{
			ChatID:     moderator.ChatID,
			Op:         gate.OpModerate,
			RetryAfter: p.limiter.RetryAfter(moderator.ChatID, gate.OpModerate),
		}
	}

	submission, err := p.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if personaID != 0 && submission.PersonaID != personaID {
		return fmt.Errorf("submission %d belongs to another persona: %w", submissionID, database.ErrNotFound)
	}

	if err := p.store.RejectSubmission(ctx, submissionID, moderator, reason); err != nil {
		p.audit(ctx, "submission_reject", moderator.UserID, moderator.ChatID, "submission", submissionID, false, err.Error())
		return err
	}
	p.cursor.forget(moderator.ChatID, submissionID)
	p.audit(ctx, "submission_reject", moderator.UserID, moderator.ChatID, "submission", submissionID, true, reason)

	text := "Your submission was not accepted."
	if reason != "" {
		text = "Your submission was not accepted: " + reason
	}
	if err := p.notifier.Send(ctx, credential, submission.SubmittedChatID, text); err != nil {
		p.logger.WarnContext(ctx, "Rejection notification failed",
			"submission_id", submissionID, "chat_id", submission.SubmittedChatID, "error", err)
	}

	return nil
}

// Next returns the oldest pending submission in the moderator's persona
// scope, excluding items the moderator skipped during this pass. When only
// skipped items remain the cursor wraps and they resurface.
func (p *Pipeline) Next(ctx context.Context, moderatorChatID, personaID int64) (*database.Submission, error) {
	excluded := p.cursor.skippedIDs(moderatorChatID)
	submissions, err := p.store.ListPendingSubmissions(ctx, personaID, excluded, 1)
	if err != nil {
		return nil, err
	}
	if len(submissions) == 0 && len(excluded) > 0 {
		p.cursor.reset(moderatorChatID)
		submissions, err = p.store.ListPendingSubmissions(ctx, personaID, nil, 1)
		if err != nil {
			return nil, err
		}
	}
	if len(submissions) == 0 {
		return nil, fmt.Errorf("no pending submissions: %w", database.ErrNotFound)
	}
	return &submissions[0], nil
}

// Skip advances the moderator's review cursor past a submission without
// mutating it. Not a stored state: the item remains pending.
func (p *Pipeline) Skip(moderatorChatID, submissionID int64) {
	p.cursor.skip(moderatorChatID, submissionID)
}

// PendingCount reports the moderation backlog for a persona (0 = all).
func (p *Pipeline) PendingCount(ctx context.Context, personaID int64) (int, error) {
	return p.store.CountPendingSubmissions(ctx, personaID)
}
