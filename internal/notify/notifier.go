// Package notify implements the outbound Telegram client used for replies
// and moderation notifications. One client is kept per bot credential;
// every call is bounded by the configured timeout so a slow transport can
// never block a committed state transition.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbot "github.com/go-telegram/bot"

	"github.com/edgard/quotehive/internal/config"
)

// TelegramNotifier sends messages through the Telegram Bot API on behalf of
// whichever bot credential the message belongs to.
type TelegramNotifier struct {
	cfg    *config.Provider
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*tgbot.Bot
}

// New creates a notifier. Clients are constructed lazily per credential.
func New(cfg *config.Provider, logger *slog.Logger) *TelegramNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{
		cfg:     cfg,
		logger:  logger.With("component", "notifier"),
		clients: make(map[string]*tgbot.Bot),
	}
}

func (n *TelegramNotifier) client(credential string) (*tgbot.Bot, error) {
	if credential == "" {
		return nil, fmt.Errorf("notifier requires a bot credential")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if b, ok := n.clients[credential]; ok {
		return b, nil
	}
	// Skip the getMe probe: the credential was already validated when the
	// bot was registered, and construction must not do network I/O.
	b, err := tgbot.New(credential, tgbot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}
	n.clients[credential] = b
	return b, nil
}

// Send delivers a text message to chatID as the bot owning credential. The
// call is bounded by the configured notify timeout.
func (n *TelegramNotifier) Send(ctx context.Context, credential string, chatID int64, text string) error {
	b, err := n.client(credential)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Current().NotifyTimeout)
	defer cancel()

	if _, err := b.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		return fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}
	return nil
}

// SetWebhook registers the ingress URL for a credential with the shared
// secret the ingress expects. Called at bot registration; bounded by the
// notify timeout like every other outbound call.
func (n *TelegramNotifier) SetWebhook(ctx context.Context, credential string) error {
	cfg := n.cfg.Current()
	if cfg.WebhookBaseURL == "" {
		return fmt.Errorf("webhook base URL is not configured")
	}

	b, err := n.client(credential)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.NotifyTimeout)
	defer cancel()

	url := strings.TrimSuffix(cfg.WebhookBaseURL, "/") + "/telegram/" + credential
	if _, err := b.SetWebhook(ctx, &tgbot.SetWebhookParams{
		URL:         url,
		SecretToken: cfg.WebhookSecret,
	}); err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}

	n.logger.InfoContext(ctx, "Webhook registered", "url_suffix", "/telegram/"+credential[:min(8, len(credential))]+"...")
	return nil
}
