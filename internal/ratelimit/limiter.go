// Package ratelimit implements the token-bucket limiter backed by the KVS.
// Consumption is a single atomic counter increment, so concurrent workers on
// different hosts agree on the count without locks.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/novaos/core/internal/config"
	"github.com/novaos/core/internal/kvs"
)

// Result reports the limiter's decision for one consume attempt.
type Result struct {
	Allowed      bool  `json:"allowed"`
	Remaining    int   `json:"remaining"`
	Limit        int   `json:"limit"`
	ResetMs      int64 `json:"reset_ms"`
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

// Limiter evaluates token-bucket rules over the KVS. One Limiter serves all
// rules; the rule and composite key are supplied per call.
type Limiter struct {
	store      kvs.Store
	multiplier float64
	logger     *log.Logger
	nowFunc    func() time.Time
}

// New creates a limiter. The multiplier scales every rule's capacity, which
// is how operators loosen or tighten all limits at once.
func New(store kvs.Store, multiplier float64) *Limiter {
	if multiplier <= 0 {
		multiplier = 1.0
	}
	return &Limiter{
		store:      store,
		multiplier: multiplier,
		logger:     log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		nowFunc:    time.Now,
	}
}

// Key composes the bucket key from request context parts. Empty parts are
// skipped so callers can key on user, ip, or both.
func Key(parts ...string) string {
	key := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if key != "" {
			key += ":"
		}
		key += p
	}
	return key
}

// Consume atomically takes one token from the bucket identified by key under
// the given rule. The window opens on the first consume and the counter key
// expires with it; the increment itself is the atomicity guard.
func (l *Limiter) Consume(ctx context.Context, key string, rule config.RateLimitRule) (*Result, error) {
	limit := int(float64(rule.MaxTokens) * l.multiplier)
	if limit < 1 {
		limit = 1
	}
	window := time.Duration(rule.WindowMs) * time.Millisecond
	if window <= 0 {
		window = time.Minute
	}

	counterKey := "rl:" + key
	tsKey := "rl:" + key + ":ts"

	now := l.nowFunc()

	// Record the window start once; the winner of SetNX opens the window.
	opened, err := l.store.SetNX(ctx, tsKey, strconv.FormatInt(now.UnixMilli(), 10), window)
	if err != nil {
		return nil, fmt.Errorf("rate limit window: %w", err)
	}

	count, err := l.store.Incr(ctx, counterKey)
	if err != nil {
		return nil, fmt.Errorf("rate limit consume: %w", err)
	}
	if opened || count == 1 {
		if err := l.store.Expire(ctx, counterKey, window); err != nil {
			return nil, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	windowStartMs := now.UnixMilli()
	if tsVal, err := l.store.Get(ctx, tsKey); err == nil {
		if parsed, perr := strconv.ParseInt(tsVal, 10, 64); perr == nil {
			windowStartMs = parsed
		}
	}
	resetMs := windowStartMs + window.Milliseconds() - now.UnixMilli()
	if resetMs < 0 {
		resetMs = 0
	}

	res := &Result{
		Allowed:   count <= int64(limit),
		Remaining: limit - int(count),
		Limit:     limit,
		ResetMs:   resetMs,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}

	if !res.Allowed {
		// With a refill rate, over-limit callers can come back sooner than
		// the window boundary: excess/rate seconds from now.
		res.RetryAfterMs = res.ResetMs
		if rule.RefillRate > 0 {
			excess := float64(count - int64(limit))
			refillMs := int64(excess / rule.RefillRate * 1000)
			if refillMs < res.RetryAfterMs {
				res.RetryAfterMs = refillMs
			}
		}
		l.logger.Printf("limit exceeded: key=%s count=%d limit=%d retry_after=%dms",
			key, count, limit, res.RetryAfterMs)
	}

	return res, nil
}
