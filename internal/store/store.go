package store

import (
	"context"
	"errors"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/store/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("store: duplicate")
)

// Repository is the main contract for the data layer.
type Repository interface {
	Accounts() AccountRepository
	APIKeys() APIKeyRepository
	Balances() BalanceRepository
	RateLimits() RateLimitRepository
	Counters() CounterRepository
	PricingRules() PricingRuleRepository
	Usage() UsageRepository

	// transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Ping(ctx context.Context) error
	Close() error
}

type AccountRepository interface {
	Get(ctx context.Context, id string) (*model.Account, error)
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	Create(ctx context.Context, account *model.Account) error
}

type APIKeyRepository interface {
	// GetByHash retrieves a key by its hashed value regardless of state.
	GetByHash(ctx context.Context, hash string) (*model.APIKey, error)
	Create(ctx context.Context, key *model.APIKey) error
	// TouchLastUsed stamps last_used_at on the key.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	ListByAccount(ctx context.Context, accountID string) ([]model.APIKey, error)
	SetActive(ctx context.Context, id string, active bool) error
}

type BalanceRepository interface {
	Get(ctx context.Context, accountID string) (*model.Balance, error)
	// Debit subtracts amount only if the balance covers it. It reports whether
	// the debit was applied.
	Debit(ctx context.Context, accountID string, amountMicros int64) (bool, error)
	// Credit adds amount to the balance, creating it when absent, and returns
	// the new balance.
	Credit(ctx context.Context, accountID string, amountMicros int64) (int64, error)
	// RecordTopUp stores a top-up. A reused non-empty reference yields ErrDuplicate.
	RecordTopUp(ctx context.Context, tx *model.CreditTransaction) error
}

type RateLimitRepository interface {
	Get(ctx context.Context, accountID string) (*model.RateLimitPolicy, error)
	Upsert(ctx context.Context, policy *model.RateLimitPolicy) error
}

type CounterRepository interface {
	// Count returns the current count, zero when the window has no row.
	Count(ctx context.Context, key model.CounterKey) (int64, error)
	// Increment adds one in a single statement and returns the new count.
	Increment(ctx context.Context, key model.CounterKey) (int64, error)
	// DeleteBefore removes counters whose window started before t.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

type PricingRuleRepository interface {
	// ListActive returns active rules ordered by descending priority.
	ListActive(ctx context.Context) ([]model.PricingRule, error)
	Upsert(ctx context.Context, rule *model.PricingRule) error
}

type UsageRepository interface {
	Append(ctx context.Context, rec *model.UsageRecord) error
	ListRecent(ctx context.Context, accountID string, limit int) ([]model.UsageRecord, error)
	Summary(ctx context.Context, accountID string, since time.Time) (*model.UsageSummary, error)
}
