package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/quotehive/internal/database"
	"github.com/edgard/quotehive/internal/gate"
	"github.com/edgard/quotehive/internal/registry"
)

const adminHelp = `Moderation:
/next - fetch the oldest pending submission
/approve <id> - publish a submission
/reject <id> [reason] - reject a submission
/skip <id> - set a submission aside for this pass
/stats - backlog and published counts

Registry:
/register_bot <token> <name> <persona> - add a bot for a persona
/deactivate_bot <id> - take a bot out of rotation
/create_persona <name> [language] - add a persona
/rename_persona <id> <name>
/deactivate_persona <id>
/list_bots /list_personas
/promote <chat_id> [title] - make a chat an admin chat
/demote <chat_id>
/unpublish <quote_id> - retract a published quote
/reload - rebuild the credential cache

Subscriptions:
/activate <chat_id> <monthly|yearly> - start or renew a paid plan
/grant <chat_id> - grant a free subscription
/revoke <chat_id> - revoke a subscription`

// handleAdminMessage parses and runs one admin command. Every durable
// mutation on this surface leaves exactly one audit entry.
func (d *Dispatcher) handleAdminMessage(ctx context.Context, credential string, rc registry.RoutingContext, msg *models.Message) Outcome {
	cmd, args := splitCommand(msg.Text)
	if cmd == "" {
		// Admin chats are a command surface only; plain content is ignored
		// rather than treated as a submission.
		return Outcome{Kind: OutcomeIgnored}
	}

	moderator := database.Moderator{UserID: msg.From.ID, ChatID: msg.Chat.ID}

	var reply string
	var out Outcome
	switch cmd {
	case "start", "help":
		reply = adminHelp
	case "next":
		reply = d.cmdNext(ctx, rc, moderator)
	case "approve":
		reply, out = d.cmdApprove(ctx, credential, rc, moderator, args)
	case "reject":
		reply, out = d.cmdReject(ctx, credential, rc, moderator, args)
	case "skip":
		reply = d.cmdSkip(moderator, args)
	case "stats":
		reply = d.cmdStats(ctx, rc)
	case "register_bot":
		reply = d.cmdRegisterBot(ctx, moderator, args)
	case "deactivate_bot":
		reply = d.cmdDeactivateBot(ctx, moderator, args)
	case "create_persona":
		reply = d.cmdCreatePersona(ctx, moderator, args)
	case "rename_persona":
		reply = d.cmdRenamePersona(ctx, moderator, args)
	case "deactivate_persona":
		reply = d.cmdDeactivatePersona(ctx, moderator, args)
	case "list_bots":
		reply = d.cmdListBots(ctx)
	case "list_personas":
		reply = d.cmdListPersonas(ctx)
	case "promote":
		reply = d.cmdPromote(ctx, moderator, args)
	case "demote":
		reply = d.cmdDemote(ctx, moderator, args)
	case "unpublish":
		reply = d.cmdUnpublish(ctx, moderator, args)
	case "reload":
		reply = d.cmdReload(ctx)
	case "activate":
		reply = d.cmdActivate(ctx, rc, moderator, args)
	case "grant":
		reply = d.cmdGrant(ctx, rc, moderator, args)
	case "revoke":
		reply = d.cmdRevoke(ctx, rc, moderator, args)
	default:
		reply = "Unknown command. /help lists what I can do."
	}

	if reply != "" {
		d.reply(ctx, credential, moderator.ChatID, reply)
	}
	if out.Kind == OutcomeRateLimited {
		return out
	}
	return Outcome{Kind: OutcomeHandled}
}

// --- Moderation ---

func (d *Dispatcher) cmdNext(ctx context.Context, rc registry.RoutingContext, moderator database.Moderator) string {
	submission, err := d.pipeline.Next(ctx, moderator.ChatID, rc.PersonaID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return fmt.Sprintf("No pending submissions for %s. All caught up!", rc.PersonaName)
	case err != nil:
		d.logger.ErrorContext(ctx, "Failed to fetch next submission", "error", err)
		return "Could not fetch the queue. Try again later."
	}
	return formatSubmission(submission)
}

func (d *Dispatcher) cmdApprove(ctx context.Context, credential string, rc registry.RoutingContext, moderator database.Moderator, args string) (string, Outcome) {
	id, err := parseID(args)
	if err != nil {
		return "Usage: /approve <submission_id>", Outcome{}
	}

	quoteID, err := d.pipeline.Approve(ctx, credential, rc.PersonaID, id, moderator)
	var rateErr *gate.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		return fmt.Sprintf("Too many moderation actions. Try again in %s.", rateErr.RetryAfter.Round(time.Second)),
			Outcome{Kind: OutcomeRateLimited, RetryAfter: rateErr.RetryAfter}
	case errors.Is(err, database.ErrAlreadyDecided):
		return fmt.Sprintf("Submission #%d was already decided by someone else.", id), Outcome{}
	case errors.Is(err, database.ErrNotFound):
		return fmt.Sprintf("Submission #%d was not found in this queue.", id), Outcome{}
	case err != nil:
		d.logger.ErrorContext(ctx, "Approval failed", "submission_id", id, "error", err)
		return "Approval failed. Try again later.", Outcome{}
	}
	return fmt.Sprintf("Submission #%d approved and published as quote #%d.", id, quoteID), Outcome{}
}

func (d *Dispatcher) cmdReject(ctx context.Context, credential string, rc registry.RoutingContext, moderator database.Moderator, args string) (string, Outcome) {
	idArg, reason, _ := strings.Cut(args, " ")
	id, err := parseID(idArg)
	if err != nil {
		return "Usage: /reject <submission_id> [reason]", Outcome{}
	}

	err = d.pipeline.Reject(ctx, credential, rc.PersonaID, id, moderator, strings.TrimSpace(reason))
	var rateErr *gate.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		return fmt.Sprintf("Too many moderation actions. Try again in %s.", rateErr.RetryAfter.Round(time.Second)),
			Outcome{Kind: OutcomeRateLimited, RetryAfter: rateErr.RetryAfter}
	case errors.Is(err, database.ErrAlreadyDecided):
		return fmt.Sprintf("Submission #%d was already decided by someone else.", id), Outcome{}
	case errors.Is(err, database.ErrNotFound):
		return fmt.Sprintf("Submission #%d was not found in this queue.", id), Outcome{}
	case err != nil:
		d.logger.ErrorContext(ctx, "Rejection failed", "submission_id", id, "error", err)
		return "Rejection failed. Try again later.", Outcome{}
	}
	return fmt.Sprintf("Submission #%d rejected.", id), Outcome{}
}

func (d *Dispatcher) cmdSkip(moderator database.Moderator, args string) string {
	id, err := parseID(args)
	if err != nil {
		return "Usage: /skip <submission_id>"
	}
	d.pipeline.Skip(moderator.ChatID, id)
	return fmt.Sprintf("Submission #%d set aside. It stays pending and will resurface.", id)
}

func (d *Dispatcher) cmdStats(ctx context.Context, rc registry.RoutingContext) string {
	pending, err := d.pipeline.PendingCount(ctx, rc.PersonaID)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to count pending submissions", "error", err)
		return "Could not compute stats. Try again later."
	}
	published, err := d.store.CountQuotes(ctx, rc.PersonaID)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to count quotes", "error", err)
		return "Could not compute stats. Try again later."
	}
	return fmt.Sprintf("%s: %d pending, %d published.", rc.PersonaName, pending, published)
}

// --- Registry ---

func (d *Dispatcher) cmdRegisterBot(ctx context.Context, moderator database.Moderator, args string) string {
	fields := strings.Fields(args)
	if len(fields) != 3 {
		return "Usage: /register_bot <token> <name> <persona>"
	}
	token, name, personaRef := fields[0], fields[1], fields[2]

	persona, err := d.lookupPersona(ctx, personaRef)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Sprintf("Persona %q not found.", personaRef)
		}
		return "Persona lookup failed. Try again later."
	}
	if !persona.IsActive {
		return fmt.Sprintf("Persona %q is deactivated.", persona.Name)
	}

	bot, err := d.store.CreateBot(ctx, registry.HashCredential(token), name, persona.ID)
	if err != nil {
		d.audit(ctx, "bot_register", moderator.UserID, moderator.ChatID, "persona", persona.ID, false, "store failure")
		d.logger.ErrorContext(ctx, "Bot registration failed", "persona_id", persona.ID, "error", err)
		return "Bot registration failed. The token may already be registered."
	}
	d.audit(ctx, "bot_register", moderator.UserID, moderator.ChatID, "bot", bot.ID, true, name)

	d.cache.Prime(bot.ID, token)
	if _, err := d.cache.Reload(ctx); err != nil {
		return fmt.Sprintf("Bot #%d registered, but the cache reload failed. Run /reload.", bot.ID)
	}
	if err := d.notifier.SetWebhook(ctx, token); err != nil {
		d.logger.WarnContext(ctx, "Webhook registration failed", "bot_id", bot.ID, "error", err)
		return fmt.Sprintf("Bot #%d registered, but webhook setup failed: %v", bot.ID, err)
	}
	return fmt.Sprintf("Bot #%d (%s) registered for persona %s and webhook set.", bot.ID, name, persona.Name)
}

func (d *Dispatcher) cmdDeactivateBot(ctx context.Context, moderator database.Moderator, args string) string {
	id, err := parseID(args)
	if err != nil {
		return "Usage: /deactivate_bot <bot_id>"
	}
	if err := d.store.DeactivateBot(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Sprintf("Bot #%d not found.", id)
		}
		d.audit(ctx, "bot_deactivate", moderator.UserID, moderator.ChatID, "bot", id, false, "store failure")
		d.logger.ErrorContext(ctx, "Bot deactivation failed", "bot_id", id, "error", err)
		return "Bot deactivation failed. Try again later."
	}
	d.audit(ctx, "bot_deactivate", moderator.UserID, moderator.ChatID, "bot", id, true, "")
	if _, err := d.cache.Reload(ctx); err != nil {
		return fmt.Sprintf("Bot #%d deactivated, but the cache reload failed. Run /reload.", id)
	}
	return fmt.Sprintf("Bot #%d deactivated. Its credential no longer routes.", id)
}

func (d *Dispatcher) cmdCreatePersona(ctx context.Context, moderator database.Moderator, args string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "Usage: /create_persona <name> [language]"
	}
	name := fields[0]
	language := ""
	if len(fields) > 1 {
		language = fields[1]
	}

	persona, err := d.store.CreatePersona(ctx, name, "", language)
	if err != nil {
		d.audit(ctx, "persona_create", moderator.UserID, moderator.ChatID, "persona", 0, false, name)
		d.logger.ErrorContext(ctx, "Persona creation failed", "name", name, "error", err)
		return "Persona creation failed. The name may already exist."
	}
	d.audit(ctx, "persona_create", moderator.UserID, moderator.ChatID, "persona", persona.ID, true, name)
	return fmt.Sprintf("Persona #%d (%s) created. Register a bot for it with /register_bot.", persona.ID, persona.Name)
}

func (d *Dispatcher) cmdRenamePersona(ctx context.Context, moderator database.Moderator, args string) string {
	idArg, name, _ := strings.Cut(args, " ")
	id, err := parseID(idArg)
	name = strings.TrimSpace(name)
	if err != nil || name == "" {
		return "Usage: /rename_persona <persona_id> <new_name>"
	}
	if err := d.store.RenamePersona(ctx, id, name); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Sprintf("Persona #%d not found.", id)
		}
		d.audit(ctx, "persona_rename", moderator.UserID, moderator.ChatID, "persona", id, false, "store failure")
		d.logger.ErrorContext(ctx, "Persona rename failed", "persona_id", id, "error", err)
		return "Persona rename failed. Try again later."
	}
	d.audit(ctx, "persona_rename", moderator.UserID, moderator.ChatID, "persona", id, true, name)
	if _, err := d.cache.Reload(ctx); err != nil {
		return fmt.Sprintf("Persona #%d renamed, but the cache reload failed. Run /reload.", id)
	}
	return fmt.Sprintf("Persona #%d renamed to %s.", id, name)
}

func (d *Dispatcher) cmdDeactivatePersona(ctx context.Context, moderator database.Moderator, args string) string {
	id, err := parseID(args)
	if err != nil {
		return "Usage: /deactivate_persona <persona_id>"
	}
	if err := d.store.DeactivatePersona(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Sprintf("Persona #%d not found.", id)
		}
		d.audit(ctx, "persona_deactivate", moderator.UserID, moderator.ChatID, "persona", id, false, "store failure")
		d.logger.ErrorContext(ctx, "Persona deactivation failed", "persona_id", id, "error", err)
		return "Persona deactivation failed. Try again later."
	}
	d.audit(ctx, "persona_deactivate", moderator.UserID, moderator.ChatID, "persona", id, true, "")
	if _, err := d.cache.Reload(ctx); err != nil {
		return fmt.Sprintf("Persona #%d deactivated, but the cache reload failed. Run /reload.", id)
	}
	return fmt.Sprintf("Persona #%d deactivated. Its bots no longer route.", id)
}

func (d *Dispatcher) cmdListBots(ctx context.Context) string {
	bots, err := d.store.ListBots(ctx)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to list bots", "error", err)
		return "Could not list bots. Try again later."
	}
	if len(bots) == 0 {
		return "No bots registered yet."
	}
	var b strings.Builder
	b.WriteString("Registered bots:\n")
	for _, bot := range bots {
		state := "active"
		if !bot.IsActive {
			state = "inactive"
		}
		fmt.Fprintf(&b, "#%d %s (persona %d, %s)\n", bot.ID, bot.DisplayName, bot.PersonaID, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) cmdListPersonas(ctx context.Context) string {
	personas, err := d.store.ListPersonas(ctx, false)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to list personas", "error", err)
		return "Could not list personas. Try again later."
	}
	if len(personas) == 0 {
		return "No personas yet. Create one with /create_persona."
	}
	var b strings.Builder
	b.WriteString("Personas:\n")
	for _, persona := range personas {
		state := "active"
		if !persona.IsActive {
			state = "inactive"
		}
		fmt.Fprintf(&b, "#%d %s (%s, %s)\n", persona.ID, persona.Name, persona.Language, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) cmdPromote(ctx context.Context, moderator database.Moderator, args string) string {
	idArg, title, _ := strings.Cut(args, " ")
	chatID, err := parseID(idArg)
	if err != nil {
		return "Usage: /promote <chat_id> [title]"
	}
	if err := d.store.AddAdminChat(ctx, chatID, strings.TrimSpace(title)); err != nil {
		d.audit(ctx, "admin_chat_add", moderator.UserID, moderator.ChatID, "chat", chatID, false, "store failure")
		d.logger.ErrorContext(ctx, "Failed to promote admin chat", "chat_id", chatID, "error", err)
		return "Promotion failed. Try again later."
	}
	d.audit(ctx, "admin_chat_add", moderator.UserID, moderator.ChatID, "chat", chatID, true, strings.TrimSpace(title))
	if _, err := d.cache.Reload(ctx); err != nil {
		return fmt.Sprintf("Chat %d promoted, but the cache reload failed. Run /reload.", chatID)
	}
	return fmt.Sprintf("Chat %d is now an admin chat.", chatID)
}

func (d *Dispatcher) cmdDemote(ctx context.Context, moderator database.Moderator, args string) string {
	chatID, err := parseID(args)
	if err != nil {
		return "Usage: /demote <chat_id>"
	}
	if err := d.store.DeactivateAdminChat(ctx, chatID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Sprintf("Chat %d is not an admin chat.", chatID)
		}
		d.audit(ctx, "admin_chat_remove", moderator.UserID, moderator.ChatID, "chat", chatID, false, "store failure")
		d.logger.ErrorContext(ctx, "Failed to demote admin chat", "chat_id", chatID, "error", err)
		return "Demotion failed. Try again later."
	}
	d.audit(ctx, "admin_chat_remove", moderator.UserID, moderator.ChatID, "chat", chatID, true, "")
	if _, err := d.cache.Reload(ctx); err != nil {
		return fmt.Sprintf("Chat %d demoted, but the cache reload failed. Run /reload.", chatID)
	}
	return fmt.Sprintf("Chat %d is no longer an admin chat.", chatID)
}

func (d *Dispatcher) cmdUnpublish(ctx context.Context, moderator database.Moderator, args string) string {
	id, err := parseID(args)
	if err != nil {
		return "Usage: /unpublish <quote_id>"
	}
	if err := d.store.DeactivateQuote(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Sprintf("Quote #%d not found.", id)
		}
		d.audit(ctx, "quote_unpublish", moderator.UserID, moderator.ChatID, "quote", id, false, "store failure")
		d.logger.ErrorContext(ctx, "Quote deactivation failed", "quote_id", id, "error", err)
		return "Could not retract the quote. Try again later."
	}
	d.audit(ctx, "quote_unpublish", moderator.UserID, moderator.ChatID, "quote", id, true, "")
	return fmt.Sprintf("Quote #%d retracted.", id)
}

func (d *Dispatcher) cmdReload(ctx context.Context) string {
	count, err := d.cache.Reload(ctx)
	if err != nil {
		return "Cache reload failed; the previous routing table stays active."
	}
	return fmt.Sprintf("Credential cache reloaded: %d active bots.", count)
}

// --- Subscriptions ---

func (d *Dispatcher) cmdActivate(ctx context.Context, rc registry.RoutingContext, moderator database.Moderator, args string) string {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "Usage: /activate <chat_id> <monthly|yearly>"
	}
	chatID, err := parseID(fields[0])
	if err != nil {
		return "Usage: /activate <chat_id> <monthly|yearly>"
	}
	plan := database.SubscriptionPlan(strings.ToLower(fields[1]))

	subscription, err := d.subGate.Activate(ctx, chatID, rc.PersonaID, plan)
	if err != nil {
		d.audit(ctx, "subscription_activate", moderator.UserID, moderator.ChatID, "chat", chatID, false, string(plan))
		d.logger.ErrorContext(ctx, "Subscription activation failed", "chat_id", chatID, "error", err)
		return "Activation failed. Plans are monthly or yearly."
	}
	d.audit(ctx, "subscription_activate", moderator.UserID, moderator.ChatID, "chat", chatID, true, string(plan))
	return fmt.Sprintf("Chat %d subscribed to %s (%s) until %s.",
		chatID, rc.PersonaName, plan, subscription.PeriodEnd.Time.Format("2006-01-02"))
}

func (d *Dispatcher) cmdGrant(ctx context.Context, rc registry.RoutingContext, moderator database.Moderator, args string) string {
	chatID, err := parseID(args)
	if err != nil {
		return "Usage: /grant <chat_id>"
	}
	if _, err := d.subGate.Grant(ctx, chatID, rc.PersonaID, moderator.UserID); err != nil {
		d.audit(ctx, "subscription_grant", moderator.UserID, moderator.ChatID, "chat", chatID, false, "store failure")
		d.logger.ErrorContext(ctx, "Subscription grant failed", "chat_id", chatID, "error", err)
		return "Grant failed. Try again later."
	}
	d.audit(ctx, "subscription_grant", moderator.UserID, moderator.ChatID, "chat", chatID, true, rc.PersonaName)
	return fmt.Sprintf("Chat %d granted a free subscription to %s.", chatID, rc.PersonaName)
}

func (d *Dispatcher) cmdRevoke(ctx context.Context, rc registry.RoutingContext, moderator database.Moderator, args string) string {
	chatID, err := parseID(args)
	if err != nil {
		return "Usage: /revoke <chat_id>"
	}
	if err := d.subGate.Revoke(ctx, chatID, rc.PersonaID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Sprintf("Chat %d has no subscription to %s.", chatID, rc.PersonaName)
		}
		d.audit(ctx, "subscription_revoke", moderator.UserID, moderator.ChatID, "chat", chatID, false, "store failure")
		d.logger.ErrorContext(ctx, "Subscription revocation failed", "chat_id", chatID, "error", err)
		return "Revocation failed. Try again later."
	}
	d.audit(ctx, "subscription_revoke", moderator.UserID, moderator.ChatID, "chat", chatID, true, rc.PersonaName)
	return fmt.Sprintf("Subscription of chat %d to %s revoked.", chatID, rc.PersonaName)
}

// --- Helpers ---

// lookupPersona accepts either a numeric persona id or a persona name.
func (d *Dispatcher) lookupPersona(ctx context.Context, ref string) (*database.Persona, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return d.store.GetPersona(ctx, id)
	}
	return d.store.GetPersonaByName(ctx, ref)
}

func formatSubmission(submission *database.Submission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Submission #%d (%s) from chat %d, submitted %s\n",
		submission.ID, submission.MediaType, submission.SubmittedChatID,
		submission.CreatedAt.Format("2006-01-02 15:04"))
	if submission.TextContent.Valid && submission.TextContent.String != "" {
		b.WriteString(submission.TextContent.String)
		b.WriteString("\n")
	}
	if submission.FileID.Valid {
		fmt.Fprintf(&b, "file: %s\n", submission.FileID.String)
	}
	fmt.Fprintf(&b, "/approve %d | /reject %d [reason] | /skip %d", submission.ID, submission.ID, submission.ID)
	return b.String()
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}
