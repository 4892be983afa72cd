package model

import (
	"database/sql"
	"time"
)

// Account is created by the signup flow; the gateway only reads it.
type Account struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// APIKey is the credential used to access the API. Only the hash of the
// secret is persisted.
type APIKey struct {
	ID         string       `db:"id" json:"id"`
	AccountID  string       `db:"account_id" json:"account_id"`
	Name       string       `db:"name" json:"name"`
	KeyHash    string       `db:"key_hash" json:"-"`            // Never return hash
	KeyPrefix  string       `db:"key_prefix" json:"key_prefix"` // Display only
	IsActive   bool         `db:"is_active" json:"is_active"`
	ExpiresAt  sql.NullTime `db:"expires_at" json:"expires_at,omitempty"`
	LastUsedAt sql.NullTime `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt.Valid && !k.ExpiresAt.Time.After(now)
}

// Balance tracks the credit balance of an account in micro-dollars.
type Balance struct {
	AccountID     string    `db:"account_id" json:"account_id"`
	CreditsMicros int64     `db:"credits_micros" json:"credits_micros"`
	Currency      string    `db:"currency" json:"currency"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// CreditTransaction is one applied top-up.
type CreditTransaction struct {
	ID           string         `db:"id" json:"id"`
	AccountID    string         `db:"account_id" json:"account_id"`
	AmountMicros int64          `db:"amount_micros" json:"amount_micros"`
	Reference    sql.NullString `db:"reference" json:"reference,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// RateLimitPolicy caps request volume for an account. A cap of zero means
// the window is not limited.
type RateLimitPolicy struct {
	AccountID           string    `db:"account_id" json:"account_id"`
	RequestsPerMinute   int       `db:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour     int       `db:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay      int       `db:"requests_per_day" json:"requests_per_day"`
	MaxTokensPerRequest int       `db:"max_tokens_per_request" json:"max_tokens_per_request"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// PricingRule overrides the default markup for models matching Pattern.
type PricingRule struct {
	ID               string  `db:"id" json:"id"`
	ModelPattern     string  `db:"model_pattern" json:"model_pattern"`
	MarkupPercentage float64 `db:"markup_percentage" json:"markup_percentage"`
	MinCostUSD       float64 `db:"min_cost_usd" json:"min_cost_usd"`
	IsActive         bool    `db:"is_active" json:"is_active"`
	Priority         int     `db:"priority" json:"priority"`
}

type UsageStatus string

const (
	UsageSuccess UsageStatus = "success"
	UsageError   UsageStatus = "error"
)

// UsageRecord is the append-only audit entry for one admitted request.
type UsageRecord struct {
	ID                    string         `db:"id" json:"id"`
	AccountID             string         `db:"account_id" json:"account_id"`
	APIKeyID              string         `db:"api_key_id" json:"api_key_id"`
	Model                 string         `db:"model" json:"model"`
	Status                UsageStatus    `db:"status" json:"status"`
	PromptTokens          int            `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens      int            `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens           int            `db:"total_tokens" json:"total_tokens"`
	CostMicros            int64          `db:"cost_micros" json:"cost_micros"`
	CreditsDeductedMicros int64          `db:"credits_deducted_micros" json:"credits_deducted_micros"`
	ErrorMessage          sql.NullString `db:"error_message" json:"error_message,omitempty"`
	RequestMeta           string         `db:"request_meta" json:"request_meta"`
	ResponseMeta          string         `db:"response_meta" json:"response_meta"`
	CreatedAt             time.Time      `db:"created_at" json:"created_at"`
}

// UsageSummary aggregates usage for an account since a point in time.
type UsageSummary struct {
	Requests              int   `db:"requests" json:"requests"`
	Errors                int   `db:"errors" json:"errors"`
	PromptTokens          int64 `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens      int64 `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens           int64 `db:"total_tokens" json:"total_tokens"`
	CostMicros            int64 `db:"cost_micros" json:"cost_micros"`
	CreditsDeductedMicros int64 `db:"credits_deducted_micros" json:"credits_deducted_micros"`
}

// CounterKey identifies one fixed rate-limit window for an account.
type CounterKey struct {
	AccountID   string
	Window      string
	WindowStart time.Time
}
