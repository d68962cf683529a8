// Package httpapi exposes the HTTP surface: webhook ingress for Telegram
// updates, a health probe, and an internal reload endpoint. Authentication
// happens before any lookup; an unauthenticated request never reaches the
// cache or the store.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/quotehive/internal/config"
	"github.com/edgard/quotehive/internal/database"
	"github.com/edgard/quotehive/internal/dispatch"
	"github.com/edgard/quotehive/internal/registry"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Server is the HTTP ingress. Updates are handled synchronously: Telegram
// retries on non-2xx, so the response status doubles as delivery feedback.
type Server struct {
	cfg        *config.Provider
	cache      *registry.Cache
	store      database.Store
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	httpServer *http.Server
}

// New builds the server and its routes.
func New(cfg *config.Provider, cache *registry.Cache, store database.Store, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		cache:      cache,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With("component", "http_server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/telegram/{credential}", s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	r.Post("/internal/reload-config", s.handleReload)

	s.httpServer = &http.Server{
		Addr:              cfg.Current().ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// handleWebhook ingests one Telegram update. The shared secret is verified
// first; credential resolution and dispatch happen only after it matches.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(secretHeader) != s.cfg.Current().WebhookSecret {
		s.logger.Warn("Webhook request with bad secret", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var update models.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed update"})
		return
	}

	credential := chi.URLParam(r, "credential")
	outcome := s.dispatcher.HandleUpdate(r.Context(), credential, &update)
	switch outcome.Kind {
	case dispatch.OutcomeUnknownBot:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown bot"})
	case dispatch.OutcomeRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(int(outcome.RetryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleHealth reports liveness plus the number of routable bots.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "bots": s.cache.Count()})
}

// handleReload re-reads the configuration and rebuilds the credential
// cache. Either failure leaves the previous snapshot serving and reports
// 503; a half-applied reload is never observable.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(secretHeader) != s.cfg.Current().WebhookSecret {
		s.logger.Warn("Reload request with bad secret", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if _, err := s.cfg.Reload(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config reload failed"})
		return
	}
	count, err := s.cache.Reload(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "registry unreachable, previous cache still active"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "bots": count})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
