package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/p369349074/QuantDinger-sub001/internal/config"
)

// LoginLimiter tracks failed sign-in attempts per source address and per
// account in Redis. Exceeding the budget inside the window earns a temporary
// block. Redis outages fail open: availability of sign-in beats throttling.
type LoginLimiter struct {
	redis redis.UniversalClient
	cfg   config.SecurityConfig
}

func NewLoginLimiter(redisClient redis.UniversalClient, cfg config.SecurityConfig) *LoginLimiter {
	return &LoginLimiter{redis: redisClient, cfg: cfg}
}

func loginFailKey(kind, id string) string  { return "qd:login:fail:" + kind + ":" + id }
func loginBlockKey(kind, id string) string { return "qd:login:block:" + kind + ":" + id }

// CheckAllowed reports whether a sign-in attempt may proceed for the given
// account and address. The message is user-facing when blocked.
func (l *LoginLimiter) CheckAllowed(ctx context.Context, account, ip string) (bool, string) {
	if blocked, remaining := l.isBlocked(ctx, "ip", ip); blocked {
		minutes := int(remaining.Minutes()) + 1
		return false, fmt.Sprintf("Too many failed attempts from this IP. Try again in %d minutes.", minutes)
	}
	if blocked, remaining := l.isBlocked(ctx, "account", account); blocked {
		minutes := int(remaining.Minutes()) + 1
		return false, fmt.Sprintf("Account temporarily locked due to too many failed attempts. Try again in %d minutes.", minutes)
	}
	return true, "allowed"
}

func (l *LoginLimiter) isBlocked(ctx context.Context, kind, id string) (bool, time.Duration) {
	if id == "" {
		return false, 0
	}
	remaining, err := l.redis.TTL(ctx, loginBlockKey(kind, id)).Result()
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("login block check failed, allowing")
		return false, 0
	}
	if remaining > 0 {
		return true, remaining
	}
	return false, 0
}

// RecordFailure counts a failed attempt against both the address and the
// account, installing a block once either budget is exhausted.
func (l *LoginLimiter) RecordFailure(ctx context.Context, account, ip string) {
	l.bump(ctx, "ip", ip, l.cfg.IPMaxAttempts, l.cfg.IPWindow, l.cfg.IPBlock)
	l.bump(ctx, "account", account, l.cfg.AcctMaxAttempts, l.cfg.AcctWindow, l.cfg.AcctBlock)
}

func (l *LoginLimiter) bump(ctx context.Context, kind, id string, maxAttempts int, window, block time.Duration) {
	if id == "" {
		return
	}
	key := loginFailKey(kind, id)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("failed to record login attempt")
		return
	}
	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, window).Err(); err != nil {
			log.Error().Err(err).Str("kind", kind).Msg("failed to expire login counter")
		}
	}
	if count >= int64(maxAttempts) {
		if err := l.redis.Set(ctx, loginBlockKey(kind, id), "1", block).Err(); err != nil {
			log.Error().Err(err).Str("kind", kind).Msg("failed to install login block")
		}
	}
}

// ClearFailures forgets counted failures after a successful sign-in.
func (l *LoginLimiter) ClearFailures(ctx context.Context, account, ip string) {
	keys := []string{
		loginFailKey("account", account),
		loginBlockKey("account", account),
	}
	if ip != "" {
		keys = append(keys, loginFailKey("ip", ip), loginBlockKey("ip", ip))
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		log.Error().Err(err).Msg("failed to clear login attempts")
	}
}
