package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/store"
	"github.com/JuanPabloHerrera/openapi/internal/store/cache"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"go.uber.org/zap"
)

// Policy is the effective set of caps for one account. A cap of zero or less
// means the window is unlimited.
type Policy struct {
	RequestsPerMinute   int `json:"requests_per_minute"`
	RequestsPerHour     int `json:"requests_per_hour"`
	RequestsPerDay      int `json:"requests_per_day"`
	MaxTokensPerRequest int `json:"max_tokens_per_request"`
}

// Cap returns the configured cap for w.
func (p Policy) Cap(w Window) int {
	switch w {
	case Minute:
		return p.RequestsPerMinute
	case Hour:
		return p.RequestsPerHour
	default:
		return p.RequestsPerDay
	}
}

type PolicyStore interface {
	Get(ctx context.Context, accountID string) (*model.RateLimitPolicy, error)
}

// Counters is the storage backend for window counters. Increment must be a
// single atomic operation in the backend.
type Counters interface {
	Count(ctx context.Context, key model.CounterKey) (int64, error)
	Increment(ctx context.Context, key model.CounterKey) (int64, error)
}

type Options struct {
	// Defaults apply to accounts without a stored policy.
	Defaults Policy
	// PolicyTTL caches looked-up policies; zero disables caching.
	PolicyTTL time.Duration
}

type Limiter struct {
	policies PolicyStore
	counters Counters
	cache    cache.CacheService
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

func NewLimiter(policies PolicyStore, counters Counters, c cache.CacheService, opts Options, logger *zap.Logger) *Limiter {
	return &Limiter{
		policies: policies,
		counters: counters,
		cache:    c,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Policy resolves the effective policy for an account.
func (l *Limiter) Policy(ctx context.Context, accountID string) (Policy, error) {
	cacheKey := policyKey(accountID)
	if l.cache != nil && l.opts.PolicyTTL > 0 {
		var p Policy
		if err := l.cache.Get(ctx, cacheKey, &p); err == nil {
			return p, nil
		}
	}

	stored, err := l.policies.Get(ctx, accountID)
	var p Policy
	switch {
	case err == nil:
		p = Policy{
			RequestsPerMinute:   stored.RequestsPerMinute,
			RequestsPerHour:     stored.RequestsPerHour,
			RequestsPerDay:      stored.RequestsPerDay,
			MaxTokensPerRequest: stored.MaxTokensPerRequest,
		}
	case errors.Is(err, store.ErrNotFound):
		p = l.opts.Defaults
	default:
		return Policy{}, fmt.Errorf("load rate limit policy: %w", err)
	}

	if l.cache != nil && l.opts.PolicyTTL > 0 {
		if err := l.cache.Set(ctx, cacheKey, p, l.opts.PolicyTTL); err != nil {
			l.logger.Debug("Failed to cache rate limit policy", zap.Error(err))
		}
	}
	return p, nil
}

// InvalidatePolicy drops the cached policy for an account.
func (l *Limiter) InvalidatePolicy(ctx context.Context, accountID string) error {
	if l.cache == nil {
		return nil
	}
	return l.cache.Delete(ctx, policyKey(accountID))
}

func policyKey(accountID string) string {
	return "ratelimit:policy:" + accountID
}

// Consumer is implemented by counter backends that can check every window and
// increment them all in one atomic step. Consume returns the index of the
// first window whose count reached its cap, or -1 once all were incremented.
type Consumer interface {
	Consume(ctx context.Context, keys []model.CounterKey, caps []int) (int, error)
}

// CheckAndConsume checks minute, hour and day in that order and stops at the
// first window whose count has reached its cap, returning a *LimitError.
// Only when every window passes are all three counters incremented.
//
// Backends implementing Consumer do this atomically. Otherwise the counts are
// read then incremented, and concurrent requests may briefly overshoot a cap.
func (l *Limiter) CheckAndConsume(ctx context.Context, accountID string) (Policy, error) {
	policy, err := l.Policy(ctx, accountID)
	if err != nil {
		return Policy{}, err
	}

	now := l.now()
	keys := make([]model.CounterKey, len(Windows))
	caps := make([]int, len(Windows))
	for i, w := range Windows {
		keys[i] = model.CounterKey{AccountID: accountID, Window: string(w), WindowStart: w.Start(now)}
		caps[i] = policy.Cap(w)
	}

	if consumer, ok := l.counters.(Consumer); ok {
		rejected, err := consumer.Consume(ctx, keys, caps)
		if err != nil {
			return Policy{}, fmt.Errorf("consume counters: %w", err)
		}
		if rejected >= 0 {
			return policy, &LimitError{Window: Windows[rejected], Cap: caps[rejected]}
		}
		return policy, nil
	}

	for i, key := range keys {
		if caps[i] <= 0 {
			continue
		}
		count, err := l.counters.Count(ctx, key)
		if err != nil {
			return Policy{}, fmt.Errorf("read %s counter: %w", Windows[i], err)
		}
		if count >= int64(caps[i]) {
			return policy, &LimitError{Window: Windows[i], Cap: caps[i]}
		}
	}

	for _, key := range keys {
		if _, err := l.counters.Increment(ctx, key); err != nil {
			return Policy{}, fmt.Errorf("increment %s counter: %w", key.Window, err)
		}
	}
	return policy, nil
}
