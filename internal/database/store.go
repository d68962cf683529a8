package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations. The store is the
// single source of truth; all concurrent mutations are arbitrated through
// per-row conditional updates. Methods accept context.Context for
// cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// Personas. Soft-deactivate only; rows are never deleted.
	CreatePersona(ctx context.Context, name, description, language string) (*Persona, error)
	RenamePersona(ctx context.Context, id int64, name string) error
	DeactivatePersona(ctx context.Context, id int64) error
	GetPersona(ctx context.Context, id int64) (*Persona, error)
	GetPersonaByName(ctx context.Context, name string) (*Persona, error)
	ListPersonas(ctx context.Context, activeOnly bool) ([]Persona, error)

	// Bots. tokenHash must be the one-way hash of the credential; the live
	// credential never reaches the store.
	CreateBot(ctx context.Context, tokenHash, displayName string, personaID int64) (*Bot, error)
	DeactivateBot(ctx context.Context, id int64) error
	ListBots(ctx context.Context) ([]Bot, error)
	ListActiveBotRoutes(ctx context.Context) ([]BotRoute, error)

	// Admin chats.
	AddAdminChat(ctx context.Context, chatID int64, title string) error
	DeactivateAdminChat(ctx context.Context, chatID int64) error
	ListActiveAdminChats(ctx context.Context) ([]AdminChat, error)

	// Submissions and quotes. ApproveSubmission commits the status flip and
	// the quote insert as one transaction; the losing side of a concurrent
	// decision gets ErrAlreadyDecided.
	CreateSubmission(ctx context.Context, submission *Submission) error
	GetSubmission(ctx context.Context, id int64) (*Submission, error)
	ListPendingSubmissions(ctx context.Context, personaID int64, excludeIDs []int64, limit int) ([]Submission, error)
	CountPendingSubmissions(ctx context.Context, personaID int64) (int, error)
	ApproveSubmission(ctx context.Context, id int64, moderator Moderator) (int64, error)
	RejectSubmission(ctx context.Context, id int64, moderator Moderator, reason string) error
	CountQuotes(ctx context.Context, personaID int64) (int, error)
	RandomQuote(ctx context.Context, personaID int64) (*Quote, error)
	DeactivateQuote(ctx context.Context, id int64) error

	// Subscriptions. One live row per (chat, persona) pair.
	GetSubscription(ctx context.Context, chatID, personaID int64) (*Subscription, error)
	UpsertSubscription(ctx context.Context, subscription *Subscription) error
	DeactivateSubscription(ctx context.Context, chatID, personaID int64) error
	ListExpiringSubscriptions(ctx context.Context, from, to time.Time) ([]Subscription, error)

	// AppendAudit writes one append-only audit record.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// wrapStore classifies a low-level database error. Context cancellation
// passes through untouched; everything else becomes ErrStoreUnavailable so
// callers can treat it as a retryable storage failure.
func wrapStore(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// begin starts a transaction with the standard deferred-rollback pattern.
// The returned cleanup must be deferred; it is a no-op after commit.
func (s *sqlxStore) begin(ctx context.Context, op string) (*sqlx.Tx, func(*sqlx.Tx), error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction", "op", op, "error", err)
		return nil, nil, wrapStore(op, err)
	}
	cleanup := func(tx *sqlx.Tx) {
		if tx == nil {
			return
		}
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			if !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "op", op, "error", rollbackErr)
			}
		}
	}
	return tx, cleanup, nil
}

// --- Personas ---

func (s *sqlxStore) CreatePersona(ctx context.Context, name, description, language string) (*Persona, error) {
	if name == "" {
		return nil, fmt.Errorf("persona name cannot be empty")
	}
	if language == "" {
		language = "auto"
	}

	persona := &Persona{
		Name:        name,
		Description: description,
		Language:    language,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}

	query := `
        INSERT INTO personas (name, description, language, is_active, created_at)
        VALUES (:name, :description, :language, :is_active, :created_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, persona)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating persona", "name", name, "error", err)
		return nil, wrapStore("create persona", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		persona.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after creating persona", "name", name, "error", err)
	}

	s.logger.InfoContext(ctx, "Persona created", "persona_id", persona.ID, "name", name)
	return persona, nil
}

func (s *sqlxStore) RenamePersona(ctx context.Context, id int64, name string) error {
	if name == "" {
		return fmt.Errorf("persona name cannot be empty")
	}
	result, err := s.db.ExecContext(ctx, `UPDATE personas SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error renaming persona", "persona_id", id, "error", err)
		return wrapStore("rename persona", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("persona %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlxStore) DeactivatePersona(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE personas SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deactivating persona", "persona_id", id, "error", err)
		return wrapStore("deactivate persona", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("persona %d: %w", id, ErrNotFound)
	}
	s.logger.InfoContext(ctx, "Persona deactivated", "persona_id", id)
	return nil
}

func (s *sqlxStore) GetPersona(ctx context.Context, id int64) (*Persona, error) {
	var persona Persona
	err := s.db.GetContext(ctx, &persona,
		`SELECT id, name, description, language, is_active, created_at FROM personas WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("persona %d: %w", id, ErrNotFound)
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting persona", "persona_id", id, "error", err)
		return nil, wrapStore("get persona", err)
	}
	return &persona, nil
}

func (s *sqlxStore) GetPersonaByName(ctx context.Context, name string) (*Persona, error) {
	var persona Persona
	err := s.db.GetContext(ctx, &persona,
		`SELECT id, name, description, language, is_active, created_at FROM personas WHERE name = ?`, name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("persona %q: %w", name, ErrNotFound)
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting persona by name", "name", name, "error", err)
		return nil, wrapStore("get persona by name", err)
	}
	return &persona, nil
}

func (s *sqlxStore) ListPersonas(ctx context.Context, activeOnly bool) ([]Persona, error) {
	query := `SELECT id, name, description, language, is_active, created_at FROM personas`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`

	var personas []Persona
	if err := s.db.SelectContext(ctx, &personas, query); err != nil {
		s.logger.ErrorContext(ctx, "Error listing personas", "error", err)
		return nil, wrapStore("list personas", err)
	}
	return personas, nil
}

// --- Bots ---

func (s *sqlxStore) CreateBot(ctx context.Context, tokenHash, displayName string, personaID int64) (*Bot, error) {
	if tokenHash == "" {
		return nil, fmt.Errorf("bot token hash cannot be empty")
	}
	if displayName == "" {
		return nil, fmt.Errorf("bot display name cannot be empty")
	}

	bot := &Bot{
		TokenHash:   tokenHash,
		DisplayName: displayName,
		PersonaID:   personaID,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}

	query := `
        INSERT INTO bots (token_hash, display_name, persona_id, is_active, created_at)
        VALUES (:token_hash, :display_name, :persona_id, :is_active, :created_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, bot)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating bot", "display_name", displayName, "persona_id", personaID, "error", err)
		return nil, wrapStore("create bot", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		bot.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after creating bot", "display_name", displayName, "error", err)
	}

	s.logger.InfoContext(ctx, "Bot created", "bot_id", bot.ID, "display_name", displayName, "persona_id", personaID)
	return bot, nil
}

func (s *sqlxStore) DeactivateBot(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE bots SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deactivating bot", "bot_id", id, "error", err)
		return wrapStore("deactivate bot", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("bot %d: %w", id, ErrNotFound)
	}
	s.logger.InfoContext(ctx, "Bot deactivated", "bot_id", id)
	return nil
}

func (s *sqlxStore) ListBots(ctx context.Context) ([]Bot, error) {
	var bots []Bot
	query := `SELECT id, token_hash, display_name, persona_id, is_active, created_at FROM bots ORDER BY id`
	if err := s.db.SelectContext(ctx, &bots, query); err != nil {
		s.logger.ErrorContext(ctx, "Error listing bots", "error", err)
		return nil, wrapStore("list bots", err)
	}
	return bots, nil
}

func (s *sqlxStore) ListActiveBotRoutes(ctx context.Context) ([]BotRoute, error) {
	var routes []BotRoute
	query := `
        SELECT b.id AS bot_id, b.token_hash, b.display_name,
               p.id AS persona_id, p.name AS persona_name, p.language
        FROM bots b
        JOIN personas p ON p.id = b.persona_id
        WHERE b.is_active = 1 AND p.is_active = 1
        ORDER BY b.id;
    `
	if err := s.db.SelectContext(ctx, &routes, query); err != nil {
		s.logger.ErrorContext(ctx, "Error listing active bot routes", "error", err)
		return nil, wrapStore("list active bot routes", err)
	}
	s.logger.DebugContext(ctx, "Fetched active bot routes", "count", len(routes))
	return routes, nil
}

// --- Admin chats ---

func (s *sqlxStore) AddAdminChat(ctx context.Context, chatID int64, title string) error {
	if chatID == 0 {
		return fmt.Errorf("admin chat id cannot be zero")
	}
	query := `
        INSERT INTO admin_chats (chat_id, title, is_active, created_at)
        VALUES (?, ?, 1, ?)
        ON CONFLICT (chat_id) DO UPDATE SET title = excluded.title, is_active = 1;
    `
	if _, err := s.db.ExecContext(ctx, query, chatID, title, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Error adding admin chat", "chat_id", chatID, "error", err)
		return wrapStore("add admin chat", err)
	}
	s.logger.InfoContext(ctx, "Admin chat added", "chat_id", chatID, "title", title)
	return nil
}

func (s *sqlxStore) DeactivateAdminChat(ctx context.Context, chatID int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE admin_chats SET is_active = 0 WHERE chat_id = ?`, chatID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deactivating admin chat", "chat_id", chatID, "error", err)
		return wrapStore("deactivate admin chat", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("admin chat %d: %w", chatID, ErrNotFound)
	}
	return nil
}

func (s *sqlxStore) ListActiveAdminChats(ctx context.Context) ([]AdminChat, error) {
	var chats []AdminChat
	query := `SELECT chat_id, title, is_active, created_at FROM admin_chats WHERE is_active = 1 ORDER BY chat_id`
	if err := s.db.SelectContext(ctx, &chats, query); err != nil {
		s.logger.ErrorContext(ctx, "Error listing admin chats", "error", err)
		return nil, wrapStore("list admin chats", err)
	}
	return chats, nil
}

// --- Audit ---

func (s *sqlxStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("cannot append nil audit entry")
	}
	if entry.EventType == "" {
		return fmt.Errorf("audit entry must have an event type")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO audit_log (event_id, event_type, actor_user_id, actor_chat_id, entity_type, entity_id, success, detail, created_at)
        VALUES (:event_id, :event_type, :actor_user_id, :actor_chat_id, :entity_type, :entity_id, :success, :detail, :created_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error appending audit entry", "event_type", entry.EventType, "error", err)
		return wrapStore("append audit", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}
