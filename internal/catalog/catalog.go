package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/JuanPabloHerrera/openapi/pkg/api"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Source lists the models offered upstream.
type Source interface {
	ListModels(ctx context.Context) ([]api.Model, error)
}

// OpenAISource lists models from any OpenAI-compatible API.
type OpenAISource struct {
	client *openai.Client
}

func NewOpenAISource(baseURL, apiKey string) *OpenAISource {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAISource{client: openai.NewClientWithConfig(cfg)}
}

func (s *OpenAISource) ListModels(ctx context.Context) ([]api.Model, error) {
	list, err := s.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]api.Model, 0, len(list.Models))
	for _, m := range list.Models {
		model := newModel(m.ID, m.CreatedAt)
		if m.OwnedBy != "" {
			model.OwnedBy = m.OwnedBy
		}
		models = append(models, model)
	}
	return models, nil
}

type Options struct {
	TTL time.Duration
	// RetryAfter is how long a failed refresh is remembered before the
	// upstream is asked again.
	RetryAfter   time.Duration
	FetchTimeout time.Duration
}

// Catalog caches the model list. A nil source serves the static list.
type Catalog struct {
	source Source
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	// refreshMu serializes upstream fetches; mu guards the cached list.
	refreshMu sync.Mutex
	mu        sync.Mutex
	models    []api.Model
	expiresAt time.Time
}

func New(source Source, opts Options, logger *zap.Logger) *Catalog {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 30 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Catalog{source: source, opts: opts, logger: logger, now: time.Now}
}

// List returns the cached models, refreshing them once expired. On refresh
// failure the previous list is kept, or the static list if there is none.
// The fetch is detached from ctx so one disconnecting caller cannot fail the
// refresh for everyone.
func (c *Catalog) List(ctx context.Context) []api.Model {
	if c.source == nil {
		return Static()
	}
	if models, ok := c.cached(); ok {
		return models
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if models, ok := c.cached(); ok {
		return models
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
	defer cancel()
	models, err := c.source.ListModels(fetchCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if err != nil || len(models) == 0 {
		c.logger.Warn("Failed to refresh model catalog", zap.Error(err), zap.Int("models", len(models)))
		if c.models == nil {
			c.models = Static()
		}
		c.expiresAt = now.Add(c.opts.RetryAfter)
		return c.models
	}

	c.models = models
	c.expiresAt = now.Add(c.opts.TTL)
	return c.models
}

func (c *Catalog) cached() ([]api.Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models != nil && c.now().Before(c.expiresAt) {
		return c.models, true
	}
	return nil, false
}
