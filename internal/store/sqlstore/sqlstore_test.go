package sqlstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/store"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	repo, err := Open(context.Background(), Options{Driver: "sqlite", DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedAccount(t *testing.T, repo *Repository, id string) {
	t.Helper()
	err := repo.Accounts().Create(context.Background(), &model.Account{
		ID:        id,
		Email:     id + "@example.com",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "twice.db")
	first, err := Open(context.Background(), Options{DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), Options{DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	defer second.Close()
	assert.NoError(t, second.Ping(context.Background()))
}

func TestAccounts(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acct-1")

	got, err := repo.Accounts().GetByEmail(ctx, "acct-1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got.ID)

	_, err = repo.Accounts().Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = repo.Accounts().Create(ctx, &model.Account{ID: "acct-2", Email: "acct-1@example.com", CreatedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestAPIKeys(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acct-1")

	key := &model.APIKey{
		ID:        "key-1",
		AccountID: "acct-1",
		Name:      "default",
		KeyHash:   "abc123",
		KeyPrefix: "sk_live_0123",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.APIKeys().Create(ctx, key))

	got, err := repo.APIKeys().GetByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.False(t, got.LastUsedAt.Valid)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.APIKeys().TouchLastUsed(ctx, "key-1", at))
	require.NoError(t, repo.APIKeys().SetActive(ctx, "key-1", false))

	got, err = repo.APIKeys().GetByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.True(t, got.LastUsedAt.Valid)
	assert.True(t, at.Equal(got.LastUsedAt.Time))

	keys, err := repo.APIKeys().ListByAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	assert.ErrorIs(t, repo.APIKeys().SetActive(ctx, "nope", true), store.ErrNotFound)
	_, err = repo.APIKeys().GetByHash(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBalances_DebitNeverOverdraws(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acct-1")

	balance, err := repo.Balances().Credit(ctx, "acct-1", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Balances().Debit(ctx, "acct-1", 100)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, applied)
	got, err := repo.Balances().Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.CreditsMicros)

	ok, err := repo.Balances().Debit(ctx, "acct-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBalances_CreditIsAdditive(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acct-1")

	_, err := repo.Balances().Credit(ctx, "acct-1", 500)
	require.NoError(t, err)
	balance, err := repo.Balances().Credit(ctx, "acct-1", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestBalances_RecordTopUpRejectsReusedReference(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acct-1")

	tx := &model.CreditTransaction{
		ID:           "tx-1",
		AccountID:    "acct-1",
		AmountMicros: 10,
		Reference:    sql.NullString{String: "cs_123", Valid: true},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, repo.Balances().RecordTopUp(ctx, tx))

	tx.ID = "tx-2"
	assert.ErrorIs(t, repo.Balances().RecordTopUp(ctx, tx), store.ErrDuplicate)

	// references are optional and do not collide when absent
	for _, id := range []string{"tx-3", "tx-4"} {
		require.NoError(t, repo.Balances().RecordTopUp(ctx, &model.CreditTransaction{
			ID: id, AccountID: "acct-1", AmountMicros: 10, CreatedAt: time.Now().UTC(),
		}))
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acct-1")

	err := repo.WithTx(ctx, func(r store.Repository) error {
		if _, err := r.Balances().Credit(ctx, "acct-1", 700); err != nil {
			return err
		}
		return store.ErrDuplicate
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	_, err = repo.Balances().Get(ctx, "acct-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCounters(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)
	key := model.CounterKey{AccountID: "acct-1", Window: "minute", WindowStart: start}

	n, err := repo.Counters().Count(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Counters().Increment(ctx, key)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err = repo.Counters().Count(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	other := key
	other.WindowStart = start.Add(time.Minute)
	n, err = repo.Counters().Increment(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	removed, err := repo.Counters().DeleteBefore(ctx, start.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestRateLimitsAndPricingRules(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acct-1")

	_, err := repo.RateLimits().Get(ctx, "acct-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	policy := &model.RateLimitPolicy{AccountID: "acct-1", RequestsPerMinute: 1, UpdatedAt: time.Now().UTC()}
	require.NoError(t, repo.RateLimits().Upsert(ctx, policy))
	policy.RequestsPerMinute = 5
	policy.RequestsPerDay = 100
	require.NoError(t, repo.RateLimits().Upsert(ctx, policy))

	got, err := repo.RateLimits().Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.RequestsPerMinute)
	assert.Equal(t, 100, got.RequestsPerDay)

	require.NoError(t, repo.PricingRules().Upsert(ctx, &model.PricingRule{ID: "low", ModelPattern: "*", MarkupPercentage: 10, IsActive: true, Priority: 1}))
	require.NoError(t, repo.PricingRules().Upsert(ctx, &model.PricingRule{ID: "high", ModelPattern: "openai/*", MarkupPercentage: 50, IsActive: true, Priority: 9}))
	require.NoError(t, repo.PricingRules().Upsert(ctx, &model.PricingRule{ID: "off", ModelPattern: "*", MarkupPercentage: 99, IsActive: false, Priority: 100}))

	rules, err := repo.PricingRules().ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "high", rules[0].ID)
	assert.Equal(t, "low", rules[1].ID)
}

func TestUsage(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	records := []*model.UsageRecord{
		{ID: "u1", AccountID: "acct-1", APIKeyID: "k", Model: "m", Status: model.UsageSuccess,
			PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, CostMicros: 30, CreditsDeductedMicros: 30,
			RequestMeta: "{}", ResponseMeta: "{}", CreatedAt: now.Add(-time.Minute)},
		{ID: "u2", AccountID: "acct-1", APIKeyID: "k", Model: "m", Status: model.UsageError,
			ErrorMessage: sql.NullString{String: "overloaded", Valid: true},
			RequestMeta: "{}", ResponseMeta: "{}", CreatedAt: now},
		{ID: "u3", AccountID: "acct-2", APIKeyID: "k", Model: "m", Status: model.UsageSuccess,
			TotalTokens: 99, RequestMeta: "{}", ResponseMeta: "{}", CreatedAt: now},
	}
	for _, rec := range records {
		require.NoError(t, repo.Usage().Append(ctx, rec))
	}

	recent, err := repo.Usage().ListRecent(ctx, "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "u2", recent[0].ID)
	assert.Equal(t, "overloaded", recent[0].ErrorMessage.String)

	sum, err := repo.Usage().Summary(ctx, "acct-1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Requests)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, int64(15), sum.TotalTokens)
	assert.Equal(t, int64(30), sum.CreditsDeductedMicros)
}
