package admin

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/ledger"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"github.com/JuanPabloHerrera/openapi/internal/store/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type invalidations struct {
	policies []string
	rules    int
	err      error
}

func (i *invalidations) InvalidatePolicy(ctx context.Context, accountID string) error {
	i.policies = append(i.policies, accountID)
	return i.err
}

func (i *invalidations) InvalidateRules(ctx context.Context) error {
	i.rules++
	return i.err
}

func setup(t *testing.T) (*Service, *sqlstore.Repository, *invalidations) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "admin.db") + "?_busy_timeout=5000"
	repo, err := sqlstore.Open(context.Background(), sqlstore.Options{DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	inv := &invalidations{}
	return New(repo, inv, inv), repo, inv
}

func TestCreateAccount(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "  Buyer@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", acct.Email)

	_, err = s.CreateAccount(ctx, "buyer@example.com")
	assert.ErrorContains(t, err, "already exists")

	_, err = s.CreateAccount(ctx, "not-an-email")
	assert.ErrorContains(t, err, "invalid email")

	byEmail, err := s.ResolveAccount(ctx, "BUYER@example.com")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, byEmail.ID)

	_, err = s.ResolveAccount(ctx, "missing-id")
	assert.True(t, errors.Is(err, ErrAccountNotFound))
}

func TestCreateAndCheckKey(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "buyer@example.com")
	require.NoError(t, err)
	_, err = s.AddCredits(ctx, acct.Email, 2.5, "")
	require.NoError(t, err)

	created, err := s.CreateKey(ctx, acct.ID, "ci", 0)
	require.NoError(t, err)
	assert.Len(t, created.Secret, 72)
	assert.Equal(t, created.Secret[:12], created.Key.KeyPrefix)
	assert.NotEqual(t, created.Secret, created.Key.KeyHash)

	report, err := s.CheckKey(ctx, created.Secret)
	require.NoError(t, err)
	assert.Equal(t, KeyActive, report.Status)
	assert.Equal(t, acct.ID, report.Account.ID)
	assert.Equal(t, int64(2_500_000), report.BalanceMicros)

	require.NoError(t, s.SetKeyActive(ctx, created.Key.ID, false))
	report, err = s.CheckKey(ctx, created.Secret)
	require.NoError(t, err)
	assert.Equal(t, KeyInactive, report.Status)

	report, err = s.CheckKey(ctx, "sk_test_nope")
	require.NoError(t, err)
	assert.Equal(t, KeyMalformed, report.Status)

	keys, err := s.ListKeys(ctx, acct.Email)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].IsActive)
}

func TestCheckKey_Expired(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "buyer@example.com")
	require.NoError(t, err)
	created, err := s.CreateKey(ctx, acct.ID, "short", time.Hour)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	report, err := s.CheckKey(ctx, created.Secret)
	require.NoError(t, err)
	assert.Equal(t, KeyExpired, report.Status)
}

func TestAddCredits_Reference(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "buyer@example.com")
	require.NoError(t, err)

	bal, err := s.AddCredits(ctx, acct.ID, 10, "stripe_pi_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), bal)

	_, err = s.AddCredits(ctx, acct.ID, 10, "stripe_pi_1")
	assert.ErrorIs(t, err, ledger.ErrDuplicateTopUp)

	_, err = s.AddCredits(ctx, acct.ID, 0, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestSetLimits(t *testing.T) {
	s, repo, inv := setup(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "buyer@example.com")
	require.NoError(t, err)

	_, err = s.SetLimits(ctx, acct.ID, Limits{RequestsPerMinute: -1})
	assert.Error(t, err)

	policy, err := s.SetLimits(ctx, acct.Email, Limits{RequestsPerMinute: 10, RequestsPerDay: 1000, MaxTokensPerRequest: 4096})
	require.NoError(t, err)
	assert.Equal(t, acct.ID, policy.AccountID)
	assert.Equal(t, []string{acct.ID}, inv.policies)

	stored, err := repo.RateLimits().Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.RequestsPerMinute)
	assert.Equal(t, 0, stored.RequestsPerHour)
	assert.Equal(t, 4096, stored.MaxTokensPerRequest)
}

func TestSetPricingRule(t *testing.T) {
	s, repo, inv := setup(t)
	ctx := context.Background()

	_, err := s.SetPricingRule(ctx, model.PricingRule{ModelPattern: " "})
	assert.Error(t, err)

	rule, err := s.SetPricingRule(ctx, model.PricingRule{ModelPattern: "anthropic/*", MarkupPercentage: 50, IsActive: true, Priority: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, 1, inv.rules)

	rule.MarkupPercentage = 25
	_, err = s.SetPricingRule(ctx, *rule)
	require.NoError(t, err)

	rules, err := repo.PricingRules().ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 25.0, rules[0].MarkupPercentage)
}

func TestUsage(t *testing.T) {
	s, repo, _ := setup(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "buyer@example.com")
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Usage().Append(ctx, &model.UsageRecord{
			ID: string(rune('a' + i)), AccountID: acct.ID, APIKeyID: "k", Model: "openai/gpt-4",
			Status: model.UsageSuccess, TotalTokens: 100, CostMicros: 10, CreditsDeductedMicros: 10,
			RequestMeta: "{}", ResponseMeta: "{}", CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	report, err := s.Usage(ctx, acct.Email, now.Add(-time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Summary.Requests)
	assert.Equal(t, int64(300), report.Summary.TotalTokens)
	assert.Len(t, report.Recent, 2)
	assert.Equal(t, "c", report.Recent[0].ID)
}
