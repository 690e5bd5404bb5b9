package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authcore/authcore/internal/shared"
)

// LoginLimiter throttles repeated failed logins per email. Redis outages
// fail open so an unavailable cache never locks everyone out.
type LoginLimiter struct {
	client      *redis.Client
	maxAttempts int
	window      time.Duration
	logger      *slog.Logger
}

// NewLoginLimiter constructs a LoginLimiter. A nil client disables limiting.
func NewLoginLimiter(client *redis.Client, maxAttempts int, window time.Duration, logger *slog.Logger) *LoginLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginLimiter{client: client, maxAttempts: maxAttempts, window: window, logger: logger}
}

// Allow reports whether a login attempt for the email from this client may
// proceed.
func (l *LoginLimiter) Allow(ctx context.Context, email, clientIP string) error {
	if l.client == nil {
		return nil
	}
	count, err := l.client.Get(ctx, l.key(email, clientIP)).Int()
	if err != nil {
		if err != redis.Nil {
			l.logger.Warn("login limiter unavailable", slog.Any("error", err))
		}
		return nil
	}
	if count >= l.maxAttempts {
		return shared.ErrTooManyAttempts
	}
	return nil
}

// RecordFailure counts a failed attempt. The window starts at the first
// failure and is not extended by later ones. Increment and expiry ship in
// one pipeline so the counter can never be left without a TTL.
func (l *LoginLimiter) RecordFailure(ctx context.Context, email, clientIP string) {
	if l.client == nil {
		return
	}
	key := l.key(email, clientIP)
	pipe := l.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("login limiter unavailable", slog.Any("error", err))
	}
}

// Reset clears the failure count after a successful login.
func (l *LoginLimiter) Reset(ctx context.Context, email, clientIP string) {
	if l.client == nil {
		return
	}
	if err := l.client.Del(ctx, l.key(email, clientIP)).Err(); err != nil {
		l.logger.Warn("login limiter unavailable", slog.Any("error", err))
	}
}

// Keyed per email and client so one address hammering an account cannot lock
// out its owner everywhere.
func (l *LoginLimiter) key(email, clientIP string) string {
	return fmt.Sprintf("login_attempts:%s:%s", strings.ToLower(strings.TrimSpace(email)), clientIP)
}
