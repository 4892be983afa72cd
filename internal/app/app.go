// Package app assembles the gateway from configuration. The server binary
// and the load test share it so both run the exact production pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/auth"
	"github.com/JuanPabloHerrera/openapi/internal/background"
	"github.com/JuanPabloHerrera/openapi/internal/catalog"
	"github.com/JuanPabloHerrera/openapi/internal/config"
	"github.com/JuanPabloHerrera/openapi/internal/gateway"
	"github.com/JuanPabloHerrera/openapi/internal/ledger"
	"github.com/JuanPabloHerrera/openapi/internal/pricing"
	"github.com/JuanPabloHerrera/openapi/internal/ratelimit"
	"github.com/JuanPabloHerrera/openapi/internal/server"
	"github.com/JuanPabloHerrera/openapi/internal/store/cache"
	"github.com/JuanPabloHerrera/openapi/internal/store/sqlstore"
	"github.com/JuanPabloHerrera/openapi/internal/upstream"
	"github.com/JuanPabloHerrera/openapi/internal/usage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type App struct {
	Config   *config.Config
	Repo     *sqlstore.Repository
	Ledger   *ledger.Ledger
	Server   *server.Server
	Gateway  *gateway.Service
	Recorder *usage.Recorder
	Tasks    *background.Group

	redis  *redis.Client
	logger *zap.Logger
	cancel context.CancelFunc
}

// Build opens the store, connects Redis when enabled and wires every stage
// of the pipeline. Background workers start immediately.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	repo, err := sqlstore.Open(ctx, sqlstore.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Repo: repo, logger: logger}

	var (
		cacheSvc cache.CacheService = cache.NewMemory()
		counters ratelimit.Counters = repo.Counters()
	)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = repo.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
		cacheSvc = cache.NewRedis(client, cfg.Redis.Prefix)
		counters = ratelimit.NewRedisCounters(client, cfg.Redis.Prefix)
		logger.Info("Redis enabled for cache and rate counters", zap.String("addr", cfg.Redis.Addr))
	}

	a.Tasks = background.NewGroup(logger, cfg.Usage.TaskTimeout)
	a.Recorder = usage.NewRecorder(repo.Usage(), a.Tasks, logger, usage.Options{
		BufferSize:    cfg.Usage.BufferSize,
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: cfg.Usage.FlushInterval,
		WriteTimeout:  cfg.Usage.TaskTimeout,
	})
	a.Recorder.Start()

	limiter := ratelimit.NewLimiter(repo.RateLimits(), counters, cacheSvc, ratelimit.Options{
		Defaults: ratelimit.Policy{
			RequestsPerMinute:   cfg.RateLimit.RequestsPerMinute,
			RequestsPerHour:     cfg.RateLimit.RequestsPerHour,
			RequestsPerDay:      cfg.RateLimit.RequestsPerDay,
			MaxTokensPerRequest: cfg.RateLimit.MaxTokensPerRequest,
		},
		PolicyTTL: cfg.RateLimit.PolicyCacheTTL,
	}, logger)

	estimator := pricing.NewEstimator(repo.PricingRules(), cacheSvc, pricing.Options{
		DefaultMarkupPercentage: cfg.Pricing.DefaultMarkupPercentage,
		DefaultCompletionTokens: cfg.Pricing.DefaultCompletionTokens,
		RulesTTL:                cfg.Pricing.RulesCacheTTL,
	}, logger)

	a.Ledger = ledger.New(repo)

	forwarder := upstream.NewForwarder(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Referer: cfg.Upstream.Referer,
		Title:   cfg.Upstream.Title,
		Timeout: cfg.Upstream.Timeout,
	}, nil)

	a.Gateway = gateway.NewService(gateway.Deps{
		Auth:      auth.NewAuthenticator(repo.APIKeys(), repo.Accounts(), a.Tasks, logger),
		Limiter:   limiter,
		Estimator: estimator,
		Ledger:    a.Ledger,
		Upstream:  forwarder,
		Usage:     a.Recorder,
		Logger:    logger,
	})

	var source catalog.Source
	if cfg.Catalog.Remote {
		source = catalog.NewOpenAISource(cfg.Upstream.BaseURL, cfg.Upstream.APIKey)
	}
	models := catalog.New(source, catalog.Options{TTL: cfg.Catalog.TTL, RetryAfter: cfg.Catalog.RetryAfter}, logger)

	a.Server = server.New(cfg, logger, server.Deps{
		Gateway: a.Gateway,
		Catalog: models,
		DB:      repo,
	})

	// Redis keys expire on their own; only SQL counters need pruning.
	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if a.redis == nil {
		go ratelimit.RunJanitor(bgCtx, repo.Counters(), cfg.RateLimit.JanitorInterval, logger)
	}

	return a, nil
}

// Close drains queued usage records and fire-and-forget tasks, then releases
// connections. The HTTP server must already be shut down.
func (a *App) Close(ctx context.Context) error {
	a.cancel()

	var errs []error
	if err := a.Recorder.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("usage recorder: %w", err))
	}
	if err := a.Tasks.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("background tasks: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Repo.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DrainTimeout bounds Close when the caller has no deadline of its own.
const DrainTimeout = 10 * time.Second
