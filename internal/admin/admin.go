// Package admin implements the operator actions exposed by resellctl.
package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/auth"
	"github.com/JuanPabloHerrera/openapi/internal/ledger"
	"github.com/JuanPabloHerrera/openapi/internal/pricing"
	"github.com/JuanPabloHerrera/openapi/internal/store"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var ErrAccountNotFound = errors.New("account not found")

// KeyStatus is the verdict of CheckKey.
type KeyStatus string

const (
	KeyActive    KeyStatus = "active"
	KeyInactive  KeyStatus = "inactive"
	KeyExpired   KeyStatus = "expired"
	KeyUnknown   KeyStatus = "unknown"
	KeyMalformed KeyStatus = "malformed"
)

// PolicyInvalidator and RuleInvalidator let changes reach running gateways
// that share the cache.
type PolicyInvalidator interface {
	InvalidatePolicy(ctx context.Context, accountID string) error
}

type RuleInvalidator interface {
	InvalidateRules(ctx context.Context) error
}

type Service struct {
	repo     store.Repository
	ledger   *ledger.Ledger
	policies PolicyInvalidator
	rules    RuleInvalidator
	validate *validator.Validate
	now      func() time.Time
}

func New(repo store.Repository, policies PolicyInvalidator, rules RuleInvalidator) *Service {
	return &Service{
		repo:     repo,
		ledger:   ledger.New(repo),
		policies: policies,
		rules:    rules,
		validate: validator.New(),
		now:      time.Now,
	}
}

// ResolveAccount accepts an account id or an email address.
func (s *Service) ResolveAccount(ctx context.Context, ref string) (*model.Account, error) {
	var (
		acct *model.Account
		err  error
	)
	if strings.Contains(ref, "@") {
		acct, err = s.repo.Accounts().GetByEmail(ctx, strings.ToLower(strings.TrimSpace(ref)))
	} else {
		acct, err = s.repo.Accounts().Get(ctx, ref)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ref)
	}
	return acct, err
}

func (s *Service) CreateAccount(ctx context.Context, email string) (*model.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, fmt.Errorf("invalid email %q", email)
	}

	acct := &model.Account{ID: uuid.NewString(), Email: email, CreatedAt: s.now().UTC()}
	if err := s.repo.Accounts().Create(ctx, acct); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("an account with email %s already exists", email)
		}
		return nil, err
	}
	return acct, nil
}

// NewKey carries the plaintext secret. It is shown once and never stored.
type NewKey struct {
	Secret string        `json:"secret" yaml:"secret"`
	Key    *model.APIKey `json:"key" yaml:"key"`
}

// CreateKey mints a credential for the account. A zero ttl never expires.
func (s *Service) CreateKey(ctx context.Context, accountRef, name string, ttl time.Duration) (*NewKey, error) {
	acct, err := s.ResolveAccount(ctx, accountRef)
	if err != nil {
		return nil, err
	}

	secret, hash, prefix, err := auth.Generate()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	key := &model.APIKey{
		ID:        uuid.NewString(),
		AccountID: acct.ID,
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: prefix,
		IsActive:  true,
		CreatedAt: now,
	}
	if ttl > 0 {
		key.ExpiresAt = sql.NullTime{Time: now.Add(ttl), Valid: true}
	}
	if err := s.repo.APIKeys().Create(ctx, key); err != nil {
		return nil, err
	}
	return &NewKey{Secret: secret, Key: key}, nil
}

// AddCredits tops up an account by a USD amount and returns the new balance
// in micro-dollars.
func (s *Service) AddCredits(ctx context.Context, accountRef string, usd float64, reference string) (int64, error) {
	acct, err := s.ResolveAccount(ctx, accountRef)
	if err != nil {
		return 0, err
	}
	return s.ledger.AddCredits(ctx, acct.ID, pricing.ToMicros(usd), reference)
}

type KeyReport struct {
	Status        KeyStatus      `json:"status" yaml:"status"`
	Key           *model.APIKey  `json:"key,omitempty" yaml:"key,omitempty"`
	Account       *model.Account `json:"account,omitempty" yaml:"account,omitempty"`
	BalanceMicros int64          `json:"balance_micros" yaml:"balance_micros"`
}

// CheckKey reports what the gateway would decide for a secret, without
// touching its last-used stamp.
func (s *Service) CheckKey(ctx context.Context, secret string) (*KeyReport, error) {
	secret = strings.TrimSpace(secret)
	if !auth.ValidateFormat(secret) {
		return &KeyReport{Status: KeyMalformed}, nil
	}

	key, err := s.repo.APIKeys().GetByHash(ctx, auth.HashCredential(secret))
	if errors.Is(err, store.ErrNotFound) {
		return &KeyReport{Status: KeyUnknown}, nil
	}
	if err != nil {
		return nil, err
	}

	report := &KeyReport{Status: KeyActive, Key: key}
	switch {
	case !key.IsActive:
		report.Status = KeyInactive
	case key.Expired(s.now()):
		report.Status = KeyExpired
	}

	acct, err := s.repo.Accounts().Get(ctx, key.AccountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		report.Status = KeyUnknown
		return report, nil
	case err != nil:
		return nil, err
	}
	report.Account = acct

	if report.BalanceMicros, err = s.ledger.Balance(ctx, acct.ID); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Service) ListKeys(ctx context.Context, accountRef string) ([]model.APIKey, error) {
	acct, err := s.ResolveAccount(ctx, accountRef)
	if err != nil {
		return nil, err
	}
	return s.repo.APIKeys().ListByAccount(ctx, acct.ID)
}

// SetKeyActive revokes or restores a key.
func (s *Service) SetKeyActive(ctx context.Context, keyID string, active bool) error {
	return s.repo.APIKeys().SetActive(ctx, keyID, active)
}

type UsageReport struct {
	Account       *model.Account      `json:"account" yaml:"account"`
	BalanceMicros int64               `json:"balance_micros" yaml:"balance_micros"`
	Since         time.Time           `json:"since" yaml:"since"`
	Summary       *model.UsageSummary `json:"summary" yaml:"summary"`
	Recent        []model.UsageRecord `json:"recent" yaml:"recent"`
}

// Usage summarises an account's usage since the given time together with the
// most recent records.
func (s *Service) Usage(ctx context.Context, accountRef string, since time.Time, limit int) (*UsageReport, error) {
	acct, err := s.ResolveAccount(ctx, accountRef)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	report := &UsageReport{Account: acct, Since: since}
	if report.BalanceMicros, err = s.ledger.Balance(ctx, acct.ID); err != nil {
		return nil, err
	}
	if report.Summary, err = s.repo.Usage().Summary(ctx, acct.ID, since); err != nil {
		return nil, err
	}
	if report.Recent, err = s.repo.Usage().ListRecent(ctx, acct.ID, limit); err != nil {
		return nil, err
	}
	return report, nil
}

// Limits are the caps accepted by SetLimits. Zero leaves a window unlimited.
type Limits struct {
	RequestsPerMinute   int `validate:"gte=0"`
	RequestsPerHour     int `validate:"gte=0"`
	RequestsPerDay      int `validate:"gte=0"`
	MaxTokensPerRequest int `validate:"gte=0"`
}

func (s *Service) SetLimits(ctx context.Context, accountRef string, l Limits) (*model.RateLimitPolicy, error) {
	if err := s.validate.Struct(l); err != nil {
		return nil, fmt.Errorf("limits must not be negative: %w", err)
	}
	acct, err := s.ResolveAccount(ctx, accountRef)
	if err != nil {
		return nil, err
	}

	policy := &model.RateLimitPolicy{
		AccountID:           acct.ID,
		RequestsPerMinute:   l.RequestsPerMinute,
		RequestsPerHour:     l.RequestsPerHour,
		RequestsPerDay:      l.RequestsPerDay,
		MaxTokensPerRequest: l.MaxTokensPerRequest,
		UpdatedAt:           s.now().UTC(),
	}
	if err := s.repo.RateLimits().Upsert(ctx, policy); err != nil {
		return nil, err
	}
	if s.policies != nil {
		if err := s.policies.InvalidatePolicy(ctx, acct.ID); err != nil {
			return policy, fmt.Errorf("policy saved but cache invalidation failed: %w", err)
		}
	}
	return policy, nil
}

// SetPricingRule creates or replaces a rule. An empty ID creates a new one.
func (s *Service) SetPricingRule(ctx context.Context, rule model.PricingRule) (*model.PricingRule, error) {
	rule.ModelPattern = strings.TrimSpace(rule.ModelPattern)
	if rule.ModelPattern == "" {
		return nil, errors.New("model pattern is required")
	}
	if rule.MarkupPercentage < 0 || rule.MinCostUSD < 0 {
		return nil, errors.New("markup and minimum cost must not be negative")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	if err := s.repo.PricingRules().Upsert(ctx, &rule); err != nil {
		return nil, err
	}
	if s.rules != nil {
		if err := s.rules.InvalidateRules(ctx); err != nil {
			return &rule, fmt.Errorf("rule saved but cache invalidation failed: %w", err)
		}
	}
	return &rule, nil
}
