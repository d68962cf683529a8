// Package dispatch routes inbound Telegram updates to the right handler:
// the credential on the ingress path selects the bot and persona, the chat
// decides between the admin command surface and community submission
// intake. Replies are best-effort; durable state only changes through the
// store and the moderation pipeline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"github.com/edgard/quotehive/internal/database"
	"github.com/edgard/quotehive/internal/gate"
	"github.com/edgard/quotehive/internal/moderation"
	"github.com/edgard/quotehive/internal/registry"
)

// OutcomeKind classifies how an update was handled so the HTTP layer can
// map it to a response status without re-inspecting the update.
type OutcomeKind int

const (
	// OutcomeHandled covers every processed update, including ones that
	// produced an error reply to the user.
	OutcomeHandled OutcomeKind = iota
	// OutcomeIgnored means the update carried nothing actionable. Not an
	// error; Telegram retries on non-2xx, so ignoring must succeed.
	OutcomeIgnored
	// OutcomeUnknownBot means the credential resolved to no active bot.
	OutcomeUnknownBot
	// OutcomeRateLimited means the chat exhausted its window budget.
	OutcomeRateLimited
)

// Outcome is the result of dispatching one update.
type Outcome struct {
	Kind       OutcomeKind
	RetryAfter time.Duration
}

// Notifier is the outbound surface the dispatcher needs: replies and
// webhook registration for newly added bots.
type Notifier interface {
	Send(ctx context.Context, credential string, chatID int64, text string) error
	SetWebhook(ctx context.Context, credential string) error
}

// Dispatcher holds the wiring shared by every update.
type Dispatcher struct {
	cache    *registry.Cache
	store    database.Store
	pipeline *moderation.Pipeline
	subGate  *gate.SubscriptionGate
	notifier Notifier
	logger   *slog.Logger
}

// New wires a dispatcher.
func New(cache *registry.Cache, store database.Store, pipeline *moderation.Pipeline, subGate *gate.SubscriptionGate, notifier Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cache:    cache,
		store:    store,
		pipeline: pipeline,
		subGate:  subGate,
		notifier: notifier,
		logger:   logger.With("component", "dispatcher"),
	}
}

// HandleUpdate resolves the credential and routes the update. A resolution
// miss returns OutcomeUnknownBot without touching the store; malformed
// updates are dropped before any state change.
func (d *Dispatcher) HandleUpdate(ctx context.Context, credential string, update *models.Update) Outcome {
	rc, ok := d.cache.Resolve(credential)
	if !ok {
		d.logger.WarnContext(ctx, "Update for unknown or inactive bot credential")
		return Outcome{Kind: OutcomeUnknownBot}
	}

	if update == nil || update.Message == nil || update.Message.From == nil {
		return Outcome{Kind: OutcomeIgnored}
	}
	msg := update.Message
	chatID := msg.Chat.ID

	if rc.IsAdminChat(chatID) {
		return d.handleAdminMessage(ctx, credential, rc, msg)
	}
	return d.handleCommunityMessage(ctx, credential, rc, msg)
}

// reply sends a best-effort text reply as the inbound bot.
func (d *Dispatcher) reply(ctx context.Context, credential string, chatID int64, text string) {
	if err := d.notifier.Send(ctx, credential, chatID, text); err != nil {
		d.logger.WarnContext(ctx, "Reply delivery failed", "chat_id", chatID, "error", err)
	}
}

// audit appends one audit entry for an admin-surface mutation. Failures are
// logged and never fail the operation.
func (d *Dispatcher) audit(ctx context.Context, eventType string, userID, chatID int64, entityType string, entityID int64, success bool, detail string) {
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
	if err := d.store.AppendAudit(ctx, entry); err != nil {
		d.logger.ErrorContext(ctx, "Failed to append audit entry", "event_type", eventType, "error", err)
	}
}

// handleCommunityMessage serves the public surface of a bot: a couple of
// read-only commands plus submission intake for everything else.
func (d *Dispatcher) handleCommunityMessage(ctx context.Context, credential string, rc registry.RoutingContext, msg *models.Message) Outcome {
	chatID := msg.Chat.ID

	if cmd, _ := splitCommand(msg.Text); cmd != "" {
		switch cmd {
		case "start", "help":
			d.reply(ctx, credential, chatID,
				fmt.Sprintf("Hi! I collect quotes for %s. Send me text, a photo or a voice note to submit one, or /quote for a random published quote.", rc.PersonaName))
			return Outcome{Kind: OutcomeHandled}
		case "quote":
			return d.communityQuote(ctx, credential, rc, chatID)
		default:
			d.reply(ctx, credential, chatID, "Unknown command. Send content to submit it, or /quote for a random quote.")
			return Outcome{Kind: OutcomeHandled}
		}
	}

	payload, ok := extractPayload(msg)
	if !ok {
		d.reply(ctx, credential, chatID, "I can only accept text, photos and voice notes.")
		return Outcome{Kind: OutcomeHandled}
	}

	submission, err := d.pipeline.Submit(ctx, moderation.SubmitRequest{
		PersonaID:   rc.PersonaID,
		PersonaName: rc.PersonaName,
		ChatID:      chatID,
		UserID:      msg.From.ID,
		MediaType:   payload.mediaType,
		Text:        payload.text,
		FileID:      payload.fileID,
	})
	var rateErr *gate.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		d.reply(ctx, credential, chatID, fmt.Sprintf("Slow down a little. Try again in %s.", rateErr.RetryAfter.Round(time.Second)))
		return Outcome{Kind: OutcomeRateLimited, RetryAfter: rateErr.RetryAfter}
	case errors.Is(err, gate.ErrSubscriptionRequired):
		d.reply(ctx, credential, chatID,
			fmt.Sprintf("Submitting to %s requires an active subscription for this chat. Ask an admin to set one up.", rc.PersonaName))
		return Outcome{Kind: OutcomeHandled}
	case err != nil:
		d.logger.ErrorContext(ctx, "Submission intake failed", "chat_id", chatID, "error", err)
		d.reply(ctx, credential, chatID, "Something went wrong on our side. Please try again later.")
		return Outcome{Kind: OutcomeHandled}
	}

	d.reply(ctx, credential, chatID, fmt.Sprintf("Got it! Your submission #%d is waiting for review.", submission.ID))
	return Outcome{Kind: OutcomeHandled}
}

func (d *Dispatcher) communityQuote(ctx context.Context, credential string, rc registry.RoutingContext, chatID int64) Outcome {
	quote, err := d.store.RandomQuote(ctx, rc.PersonaID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		d.reply(ctx, credential, chatID, fmt.Sprintf("%s has no published quotes yet. Yours could be the first!", rc.PersonaName))
		return Outcome{Kind: OutcomeHandled}
	case err != nil:
		d.logger.ErrorContext(ctx, "Random quote lookup failed", "persona_id", rc.PersonaID, "error", err)
		d.reply(ctx, credential, chatID, "Something went wrong on our side. Please try again later.")
		return Outcome{Kind: OutcomeHandled}
	}

	text := quote.TextContent.String
	if text == "" {
		text = fmt.Sprintf("Quote #%d (%s)", quote.ID, quote.MediaType)
	}
	d.reply(ctx, credential, chatID, text)
	return Outcome{Kind: OutcomeHandled}
}

type payload struct {
	mediaType database.MediaType
	text      string
	fileID    string
}

// extractPayload classifies the message content. Photos use the largest
// available size; captions travel with photo and audio payloads.
func extractPayload(msg *models.Message) (payload, bool) {
	switch {
	case strings.TrimSpace(msg.Text) != "":
		return payload{mediaType: database.MediaText, text: strings.TrimSpace(msg.Text)}, true
	case len(msg.Photo) > 0:
		largest := msg.Photo[0]
		for _, size := range msg.Photo[1:] {
			if size.Width*size.Height > largest.Width*largest.Height {
				largest = size
			}
		}
		return payload{mediaType: database.MediaPhoto, text: msg.Caption, fileID: largest.FileID}, true
	case msg.Voice != nil:
		return payload{mediaType: database.MediaAudio, text: msg.Caption, fileID: msg.Voice.FileID}, true
	case msg.Audio != nil:
		return payload{mediaType: database.MediaAudio, text: msg.Caption, fileID: msg.Audio.FileID}, true
	default:
		return payload{}, false
	}
}

// splitCommand parses "/cmd arg rest" into its name and argument tail.
// Bot-addressed commands like "/cmd@SomeBot" lose the suffix.
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	cmd, args, _ := strings.Cut(text[1:], " ")
	if at := strings.Index(cmd, "@"); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), strings.TrimSpace(args)
}
