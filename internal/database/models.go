package database

import (
	"database/sql"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Callers match them
// with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist. Treated as a
	// normal outcome on lookup paths, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyDecided indicates a moderation decision raced with another
	// and lost; the submission already left the pending state.
	ErrAlreadyDecided = errors.New("submission already decided")

	// ErrStoreUnavailable wraps any durable-storage failure. The caller may
	// retry; the store never leaves a half-applied multi-step transition.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// MediaType discriminates submission and quote payloads. The set is closed
// to the content kinds the transport supports.
type MediaType string

const (
	MediaText  MediaType = "text"
	MediaPhoto MediaType = "photo"
	MediaAudio MediaType = "audio"
)

// SubmissionStatus is the durable state of a submission. Skipping during
// review is a read-side cursor concern and is deliberately not a status.
type SubmissionStatus string

const (
	StatusPending  SubmissionStatus = "pending"
	StatusApproved SubmissionStatus = "approved"
	StatusRejected SubmissionStatus = "rejected"
)

// SubscriptionPlan names the entitlement kind of a subscription row.
type SubscriptionPlan string

const (
	PlanMonthly SubscriptionPlan = "monthly"
	PlanYearly  SubscriptionPlan = "yearly"
	PlanFree    SubscriptionPlan = "free"
)

// Persona is a named character a bot presents. Personas are soft-deactivated
// only, never deleted, to preserve referential audit history.
type Persona struct {
	ID          int64     `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Language    string    `db:"language"`
	IsActive    bool      `db:"is_active"`
	CreatedAt   time.Time `db:"created_at"`
}

// Bot is one registered Telegram bot credential bound to a persona. The
// credential itself is never stored; only its one-way hash.
type Bot struct {
	ID          int64     `db:"id"`
	TokenHash   string    `db:"token_hash"`
	DisplayName string    `db:"display_name"`
	PersonaID   int64     `db:"persona_id"`
	IsActive    bool      `db:"is_active"`
	CreatedAt   time.Time `db:"created_at"`
}

// BotRoute is the routing-relevant projection of an active bot joined with
// its persona. It feeds the credential cache.
type BotRoute struct {
	BotID       int64  `db:"bot_id"`
	TokenHash   string `db:"token_hash"`
	DisplayName string `db:"display_name"`
	PersonaID   int64  `db:"persona_id"`
	PersonaName string `db:"persona_name"`
	Language    string `db:"language"`
}

// AdminChat grants moderation rights to every member of the chat. There is
// no per-user admin table; authorization is membership-derived.
type AdminChat struct {
	ChatID    int64     `db:"chat_id"`
	Title     string    `db:"title"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

// Submission is one piece of community content pending a moderation
// decision. Rows are never deleted; a decision is terminal.
type Submission struct {
	ID                int64            `db:"id"`
	PersonaID         int64            `db:"persona_id"`
	SubmittedByUserID int64            `db:"submitted_by_user_id"`
	SubmittedChatID   int64            `db:"submitted_chat_id"`
	MediaType         MediaType        `db:"media_type"`
	TextContent       sql.NullString   `db:"text_content"`
	FileID            sql.NullString   `db:"file_id"`
	Status            SubmissionStatus `db:"status"`
	RejectionReason   sql.NullString   `db:"rejection_reason"`
	CreatedAt         time.Time        `db:"created_at"`
	DecidedAt         sql.NullTime     `db:"decided_at"`
	DecidedByUserID   sql.NullInt64    `db:"decided_by_user_id"`
	DecidedInChatID   sql.NullInt64    `db:"decided_in_chat_id"`
}

// Quote is published, servable content. Created exactly once at submission
// approval (or seeded without a source submission), immutable afterwards
// except for deactivation.
type Quote struct {
	ID                 int64          `db:"id"`
	PersonaID          int64          `db:"persona_id"`
	MediaType          MediaType      `db:"media_type"`
	TextContent        sql.NullString `db:"text_content"`
	FileID             sql.NullString `db:"file_id"`
	Language           string         `db:"language"`
	SourceSubmissionID sql.NullInt64  `db:"source_submission_id"`
	IsActive           bool           `db:"is_active"`
	CreatedAt          time.Time      `db:"created_at"`
}

// Subscription is a chat's entitlement to submit content for one persona.
// At most one row exists per (chat, persona) pair.
type Subscription struct {
	ID              int64            `db:"id"`
	ChatID          int64            `db:"chat_id"`
	PersonaID       int64            `db:"persona_id"`
	Plan            SubscriptionPlan `db:"plan"`
	StartedAt       time.Time        `db:"started_at"`
	PeriodEnd       sql.NullTime     `db:"period_end"`
	IsActive        bool             `db:"is_active"`
	GrantedByUserID sql.NullInt64    `db:"granted_by_user_id"`
}

// AuditEntry is one append-only record of a state-changing action. Failed
// business operations are recorded too, with Success=false.
type AuditEntry struct {
	ID          int64     `db:"id"`
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ActorUserID int64     `db:"actor_user_id"`
	ActorChatID int64     `db:"actor_chat_id"`
	EntityType  string    `db:"entity_type"`
	EntityID    int64     `db:"entity_id"`
	Success     bool      `db:"success"`
	Detail      string    `db:"detail"`
	CreatedAt   time.Time `db:"created_at"`
}

// Moderator identifies the acting user and the admin chat the action came
// from.
type Moderator struct {
	UserID int64
	ChatID int64
}
