package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const submissionColumns = `id, persona_id, submitted_by_user_id, submitted_chat_id, media_type,
    text_content, file_id, status, rejection_reason, created_at, decided_at, decided_by_user_id, decided_in_chat_id`

// CreateSubmission inserts a new pending submission. Gating (rate limit,
// subscription) happens before this call; a submission that reaches the
// store is always created as pending.
func (s *sqlxStore) CreateSubmission(ctx context.Context, submission *Submission) error {
	if submission == nil {
		return fmt.Errorf("cannot save nil submission")
	}
	if submission.PersonaID == 0 {
		return fmt.Errorf("submission must have a non-zero persona_id")
	}
	if submission.SubmittedChatID == 0 {
		return fmt.Errorf("submission must have a non-zero submitted_chat_id")
	}
	if submission.SubmittedByUserID == 0 {
		return fmt.Errorf("submission must have a non-zero submitted_by_user_id")
	}
	switch submission.MediaType {
	case MediaText, MediaPhoto, MediaAudio:
	default:
		return fmt.Errorf("submission has unsupported media type %q", submission.MediaType)
	}

	submission.Status = StatusPending
	if submission.CreatedAt.IsZero() {
		submission.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO submissions (persona_id, submitted_by_user_id, submitted_chat_id, media_type,
            text_content, file_id, status, created_at)
        VALUES (:persona_id, :submitted_by_user_id, :submitted_chat_id, :media_type,
            :text_content, :file_id, :status, :created_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, submission)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating submission",
			"persona_id", submission.PersonaID, "chat_id", submission.SubmittedChatID, "error", err)
		return wrapStore("create submission", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		submission.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after creating submission",
			"persona_id", submission.PersonaID, "error", err)
	}

	s.logger.InfoContext(ctx, "Submission created",
		"submission_id", submission.ID, "persona_id", submission.PersonaID, "media_type", submission.MediaType)
	return nil
}

func (s *sqlxStore) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	var submission Submission
	err := s.db.GetContext(ctx, &submission,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("submission %d: %w", id, ErrNotFound)
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting submission", "submission_id", id, "error", err)
		return nil, wrapStore("get submission", err)
	}
	return &submission, nil
}

// ListPendingSubmissions returns pending submissions oldest-first within a
// persona scope. excludeIDs carries the moderator's skipped items so they
// resurface only after the review cursor wraps.
func (s *sqlxStore) ListPendingSubmissions(ctx context.Context, personaID int64, excludeIDs []int64, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE status = ?`
	args := []any{StatusPending}
	if personaID != 0 {
		query += ` AND persona_id = ?`
		args = append(args, personaID)
	}
	if len(excludeIDs) > 0 {
		inQuery, inArgs, err := sqlx.In(` AND id NOT IN (?)`, excludeIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to build pending submissions query: %w", err)
		}
		query += inQuery
		args = append(args, inArgs...)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	var submissions []Submission
	if err := s.db.SelectContext(ctx, &submissions, s.db.Rebind(query), args...); err != nil {
		s.logger.ErrorContext(ctx, "Error listing pending submissions", "persona_id", personaID, "error", err)
		return nil, wrapStore("list pending submissions", err)
	}
	s.logger.DebugContext(ctx, "Fetched pending submissions", "persona_id", personaID, "count", len(submissions))
	return submissions, nil
}

func (s *sqlxStore) CountPendingSubmissions(ctx context.Context, personaID int64) (int, error) {
	query := `SELECT COUNT(*) FROM submissions WHERE status = ?`
	args := []any{StatusPending}
	if personaID != 0 {
		query += ` AND persona_id = ?`
		args = append(args, personaID)
	}

	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		s.logger.ErrorContext(ctx, "Error counting pending submissions", "persona_id", personaID, "error", err)
		return 0, wrapStore("count pending submissions", err)
	}
	return count, nil
}

// decideSubmission flips a pending submission to a terminal status with a
// compare-and-set on the status column. Exactly one concurrent decision
// wins; the loser sees ErrAlreadyDecided with no state change.
func (s *sqlxStore) decideSubmission(ctx context.Context, tx *sqlx.Tx, id int64, status SubmissionStatus, moderator Moderator, reason string, now time.Time) error {
	var reasonValue sql.NullString
	if status == StatusRejected && reason != "" {
		reasonValue = sql.NullString{String: reason, Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
        UPDATE submissions
        SET status = ?, decided_at = ?, decided_by_user_id = ?, decided_in_chat_id = ?, rejection_reason = ?
        WHERE id = ? AND status = ?;
    `, status, now, moderator.UserID, moderator.ChatID, reasonValue, id, StatusPending)
	if err != nil {
		return wrapStore("decide submission", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return wrapStore("decide submission", err)
	}
	if affected == 1 {
		return nil
	}

	// CAS lost or the row does not exist; distinguish the two.
	var current SubmissionStatus
	err = tx.GetContext(ctx, &current, `SELECT status FROM submissions WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("submission %d: %w", id, ErrNotFound)
	case err != nil:
		return wrapStore("decide submission", err)
	}
	return fmt.Errorf("submission %d is %s: %w", id, current, ErrAlreadyDecided)
}

// ApproveSubmission transitions a pending submission to approved and creates
// exactly one quote referencing it, atomically. Returns the new quote id.
func (s *sqlxStore) ApproveSubmission(ctx context.Context, id int64, moderator Moderator) (int64, error) {
	tx, cleanup, err := s.begin(ctx, "approve submission")
	if err != nil {
		return 0, err
	}
	defer func() { cleanup(tx) }()

	now := time.Now().UTC()
	if err := s.decideSubmission(ctx, tx, id, StatusApproved, moderator, "", now); err != nil {
		return 0, err
	}

	// The quote copies the submission payload and inherits the persona's
	// language tag.
	result, err := tx.ExecContext(ctx, `
        INSERT INTO quotes (persona_id, media_type, text_content, file_id, language, source_submission_id, is_active, created_at)
        SELECT sub.persona_id, sub.media_type, sub.text_content, sub.file_id, p.language, sub.id, 1, ?
        FROM submissions sub
        JOIN personas p ON p.id = sub.persona_id
        WHERE sub.id = ?;
    `, now, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating quote for approved submission", "submission_id", id, "error", err)
		return 0, wrapStore("create quote", err)
	}

	quoteID, err := result.LastInsertId()
	if err != nil {
		return 0, wrapStore("create quote", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit approval transaction", "submission_id", id, "error", err)
		return 0, wrapStore("approve submission", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Submission approved",
		"submission_id", id, "quote_id", quoteID, "moderator_user_id", moderator.UserID)
	return quoteID, nil
}

// RejectSubmission transitions a pending submission to rejected, recording
// the optional reason. Terminal; a rejected submission can never be
// re-approved.
func (s *sqlxStore) RejectSubmission(ctx context.Context, id int64, moderator Moderator, reason string) error {
	tx, cleanup, err := s.begin(ctx, "reject submission")
	if err != nil {
		return err
	}
	defer func() { cleanup(tx) }()

	if err := s.decideSubmission(ctx, tx, id, StatusRejected, moderator, reason, time.Now().UTC()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit rejection transaction", "submission_id", id, "error", err)
		return wrapStore("reject submission", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Submission rejected",
		"submission_id", id, "moderator_user_id", moderator.UserID, "has_reason", reason != "")
	return nil
}

// --- Quotes ---

func (s *sqlxStore) CountQuotes(ctx context.Context, personaID int64) (int, error) {
	query := `SELECT COUNT(*) FROM quotes WHERE is_active = 1`
	args := []any{}
	if personaID != 0 {
		query += ` AND persona_id = ?`
		args = append(args, personaID)
	}

	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		s.logger.ErrorContext(ctx, "Error counting quotes", "persona_id", personaID, "error", err)
		return 0, wrapStore("count quotes", err)
	}
	return count, nil
}

func (s *sqlxStore) RandomQuote(ctx context.Context, personaID int64) (*Quote, error) {
	var quote Quote
	err := s.db.GetContext(ctx, &quote, `
        SELECT id, persona_id, media_type, text_content, file_id, language, source_submission_id, is_active, created_at
        FROM quotes
        WHERE persona_id = ? AND is_active = 1
        ORDER BY RANDOM()
        LIMIT 1;
    `, personaID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("no quotes for persona %d: %w", personaID, ErrNotFound)
	case err != nil:
		s.logger.ErrorContext(ctx, "Error selecting random quote", "persona_id", personaID, "error", err)
		return nil, wrapStore("random quote", err)
	}
	return &quote, nil
}

func (s *sqlxStore) DeactivateQuote(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE quotes SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deactivating quote", "quote_id", id, "error", err)
		return wrapStore("deactivate quote", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("quote %d: %w", id, ErrNotFound)
	}
	return nil
}
