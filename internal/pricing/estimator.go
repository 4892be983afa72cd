package pricing

import (
	"context"
	"math"
	"time"
	"unicode/utf8"

	"github.com/JuanPabloHerrera/openapi/internal/store/cache"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"github.com/JuanPabloHerrera/openapi/pkg/api"
	"go.uber.org/zap"
)

const (
	// MinCostUSD keeps every priced request strictly positive.
	MinCostUSD = 0.000001

	microsPerUSD = 1_000_000
	rulesKey     = "pricing:rules"
)

type RuleStore interface {
	ListActive(ctx context.Context) ([]model.PricingRule, error)
}

type Options struct {
	DefaultMarkupPercentage float64
	DefaultCompletionTokens int
	RulesTTL                time.Duration
}

// TokenEstimate is a heuristic upper bound on what a request will consume.
type TokenEstimate struct {
	PromptTokens     int
	CompletionTokens int
}

type Estimator struct {
	rules  RuleStore
	cache  cache.CacheService
	opts   Options
	logger *zap.Logger
}

func NewEstimator(rules RuleStore, c cache.CacheService, opts Options, logger *zap.Logger) *Estimator {
	if opts.DefaultCompletionTokens <= 0 {
		opts.DefaultCompletionTokens = 1000
	}
	return &Estimator{rules: rules, cache: c, opts: opts, logger: logger}
}

// Estimate approximates prompt tokens as characters/4 rounded up, and
// completion tokens as the caller's output cap or the configured default.
func (e *Estimator) Estimate(env *api.ChatEnvelope) TokenEstimate {
	chars := utf8.RuneCount(env.PromptPayload())
	completion, ok := env.RequestedCompletionTokens()
	if !ok {
		completion = e.opts.DefaultCompletionTokens
	}
	return TokenEstimate{
		PromptTokens:     (chars + 3) / 4,
		CompletionTokens: completion,
	}
}

// Price returns the cost in USD charged to the account. The first active rule
// matching the model sets the markup and floor; otherwise the configured
// default markup and the epsilon floor apply.
func (e *Estimator) Price(ctx context.Context, modelID string, promptTokens, completionTokens int) float64 {
	rate := BaseRate(modelID)
	base := float64(promptTokens)/microsPerUSD*rate.Prompt +
		float64(completionTokens)/microsPerUSD*rate.Completion

	markup := e.opts.DefaultMarkupPercentage
	floor := MinCostUSD
	if rule := e.matchRule(ctx, modelID); rule != nil {
		markup = rule.MarkupPercentage
		if rule.MinCostUSD > 0 {
			floor = rule.MinCostUSD
		}
	}

	return math.Max(base*(1+markup/100), floor)
}

func (e *Estimator) matchRule(ctx context.Context, modelID string) *model.PricingRule {
	rules, err := e.activeRules(ctx)
	if err != nil {
		// pricing must not fail a request; fall through to defaults
		e.logger.Warn("Failed to load pricing rules, using defaults", zap.Error(err))
		return nil
	}
	for i := range rules {
		if Match(rules[i].ModelPattern, modelID) {
			return &rules[i]
		}
	}
	return nil
}

func (e *Estimator) activeRules(ctx context.Context) ([]model.PricingRule, error) {
	if e.cache != nil && e.opts.RulesTTL > 0 {
		var rules []model.PricingRule
		if err := e.cache.Get(ctx, rulesKey, &rules); err == nil {
			return rules, nil
		}
	}

	rules, err := e.rules.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	if e.cache != nil && e.opts.RulesTTL > 0 {
		if err := e.cache.Set(ctx, rulesKey, rules, e.opts.RulesTTL); err != nil {
			e.logger.Debug("Failed to cache pricing rules", zap.Error(err))
		}
	}
	return rules, nil
}

// InvalidateRules drops the cached rule set.
func (e *Estimator) InvalidateRules(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Delete(ctx, rulesKey)
}

// ToMicros converts USD to integer micro-dollars. Any positive cost is at
// least one micro-dollar so rounding can never make a request free, and costs
// beyond the int64 range saturate instead of wrapping.
func ToMicros(usd float64) int64 {
	if math.IsNaN(usd) {
		return math.MaxInt64
	}
	if usd <= 0 {
		return 0
	}
	scaled := math.Round(usd * microsPerUSD)
	if scaled >= math.MaxInt64 {
		return math.MaxInt64
	}
	m := int64(scaled)
	if m < 1 {
		return 1
	}
	return m
}

// ToUSD converts micro-dollars to USD for display.
func ToUSD(micros int64) float64 {
	return float64(micros) / microsPerUSD
}
