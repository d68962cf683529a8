// Package registry maintains the in-memory credential cache mapping live
// bot credentials to routing contexts. The cache is a derived, disposable
// copy of the routing-relevant registry subset; the store remains the
// single source of truth.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/edgard/quotehive/internal/database"
)

// RoutingContext is the resolution result for one inbound credential: the
// bot, its persona, and the admin chats authorized to moderate for it.
type RoutingContext struct {
	BotID        int64
	BotName      string
	PersonaID    int64
	PersonaName  string
	Language     string
	AdminChatIDs []int64
}

// IsAdminChat reports whether chatID is one of the admin chats in context.
// The set is small; re-derived on each reload rather than cached per-user.
func (rc RoutingContext) IsAdminChat(chatID int64) bool {
	for _, id := range rc.AdminChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// snapshot is an immutable routing table keyed by credential hash. Reload
// builds a replacement off to the side and swaps the pointer; a snapshot is
// never mutated after publication.
type snapshot struct {
	byHash map[string]RoutingContext
}

// Cache resolves live credentials to routing contexts. Resolve is a pure
// in-memory lookup safe to call concurrently with Reload; an in-flight
// Resolve observes either the old or the fully-new snapshot, never a
// partial one.
type Cache struct {
	store  database.Store
	logger *slog.Logger
	snap   atomic.Pointer[snapshot]

	// Live credentials are observed at resolve/registration time only; the
	// store holds hashes and cannot reproduce them.
	credentials sync.Map // bot id -> credential
}

// New creates an empty cache. Call Reload before serving traffic.
func New(store database.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		store:  store,
		logger: logger.With("component", "credential_cache"),
	}
	c.snap.Store(&snapshot{byHash: map[string]RoutingContext{}})
	return c
}

// HashCredential returns the one-way hash under which a credential is
// stored and looked up. The live value never reaches the store.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Resolve maps a live credential to its routing context. A miss is a
// normal outcome (unknown, deactivated or deleted bot) and never touches
// the store.
func (c *Cache) Resolve(credential string) (RoutingContext, bool) {
	snap := c.snap.Load()
	rc, ok := snap.byHash[HashCredential(credential)]
	if ok {
		c.credentials.Store(rc.BotID, credential)
	}
	return rc, ok
}

// Prime records the live credential for a bot, typically right after
// registration, so outbound calls can be made before the bot's first
// inbound event.
func (c *Cache) Prime(botID int64, credential string) {
	c.credentials.Store(botID, credential)
}

// CredentialFor returns the live credential last observed for a bot, if
// any. Bots that never received traffic since process start have none.
func (c *Cache) CredentialFor(botID int64) (string, bool) {
	v, ok := c.credentials.Load(botID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Reload rebuilds the routing snapshot from the registry and swaps it in
// atomically. On store failure the previous snapshot stays active
// (fail-open on cache) and the error is returned. Idempotent and safe to
// call concurrently with Resolve. Returns the count of active bots loaded.
func (c *Cache) Reload(ctx context.Context) (int, error) {
	routes, err := c.store.ListActiveBotRoutes(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "Cache reload failed, keeping previous snapshot", "error", err)
		return 0, err
	}
	adminChats, err := c.store.ListActiveAdminChats(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "Cache reload failed, keeping previous snapshot", "error", err)
		return 0, err
	}

	adminChatIDs := make([]int64, 0, len(adminChats))
	for _, chat := range adminChats {
		adminChatIDs = append(adminChatIDs, chat.ChatID)
	}

	byHash := make(map[string]RoutingContext, len(routes))
	for _, route := range routes {
		byHash[route.TokenHash] = RoutingContext{
			BotID:        route.BotID,
			BotName:      route.DisplayName,
			PersonaID:    route.PersonaID,
			PersonaName:  route.PersonaName,
			Language:     route.Language,
			AdminChatIDs: adminChatIDs,
		}
	}

	c.snap.Store(&snapshot{byHash: byHash})
	c.logger.InfoContext(ctx, "Credential cache reloaded", "bots", len(byHash), "admin_chats", len(adminChatIDs))
	return len(byHash), nil
}

// Count returns the number of actively cached bots.
func (c *Cache) Count() int {
	return len(c.snap.Load().byHash)
}
