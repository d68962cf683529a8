// Package gate implements the pre-admission checks for inbound actions:
// per-chat rate limiting and per-(chat, persona) subscription enforcement.
// Both must pass before a submission enters the moderation pipeline.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgard/quotehive/internal/config"
)

// ErrRateLimited indicates the chat exceeded its per-operation budget for
// the current window. Callers surface a retry-after hint, not a generic
// failure.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries the wait until the window rolls over alongside the
// denial. It matches both errors.Is(err, ErrRateLimited) and
// errors.As(err, *RateLimitError).
type RateLimitError struct {
	ChatID     int64
	Op         Operation
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("chat %d %s rate limited, retry after %s", e.ChatID, e.Op, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Operation names a rate-limited action kind.
type Operation string

const (
	OpSubmit   Operation = "submit"
	OpModerate Operation = "moderate"
)

type counterKey struct {
	chatID int64
	op     Operation
	bucket int64
}

// Limiter is a fixed-window rate limiter keyed by (chat, operation,
// window bucket). Window length and maximums come from the config snapshot
// on every call, so they hot-reload with the rest of the configuration.
type Limiter struct {
	cfg    *config.Provider
	logger *slog.Logger

	mu       sync.Mutex
	counters map[counterKey]int

	now func() time.Time
}

// NewLimiter creates a rate limiter reading its budget from cfg.
func NewLimiter(cfg *config.Provider, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:      cfg,
		logger:   logger.With("component", "rate_limiter"),
		counters: make(map[counterKey]int),
		now:      time.Now,
	}
}

func (l *Limiter) limitFor(op Operation) (time.Duration, int) {
	cfg := l.cfg.Current()
	switch op {
	case OpModerate:
		return cfg.RateWindow, cfg.RateMaxModerate
	default:
		return cfg.RateWindow, cfg.RateMaxSubmit
	}
}

// Allow consumes one slot for (chatID, op) in the current window. The
// increment and the comparison happen in one critical section, so
// concurrent callers cannot undercount.
func (l *Limiter) Allow(chatID int64, op Operation) bool {
	window, max := l.limitFor(op)
	now := l.now()
	bucket := now.UnixNano() / int64(window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.counters) > evictThreshold {
		l.evictLocked(bucket)
	}

	key := counterKey{chatID: chatID, op: op, bucket: bucket}
	if l.counters[key] >= max {
		l.logger.Debug("Rate limit exceeded", "chat_id", chatID, "operation", op, "max", max, "window", window)
		return false
	}
	l.counters[key]++
	return true
}

// RetryAfter returns how long the chat must wait until the current window
// rolls over.
func (l *Limiter) RetryAfter(chatID int64, op Operation) time.Duration {
	window, _ := l.limitFor(op)
	now := l.now()
	elapsed := time.Duration(now.UnixNano() % int64(window))
	return window - elapsed
}

// evictThreshold caps counter map growth before stale buckets are swept.
const evictThreshold = 1024

// evictLocked drops counters from past windows. Called under l.mu.
func (l *Limiter) evictLocked(currentBucket int64) {
	for key := range l.counters {
		if key.bucket < currentBucket {
			delete(l.counters, key)
		}
	}
}
