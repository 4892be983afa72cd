package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/JuanPabloHerrera/openapi/internal/store"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

// Repository implements store.Repository on top of sqlx. Queries are written
// with '?' placeholders and rebound for the active driver.
type Repository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func New(db *sqlx.DB) *Repository {
	return &Repository{
		db:       db,
		executor: db,
	}
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	if _, nested := r.executor.(*sqlx.Tx); nested {
		return fn(r)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &Repository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *Repository) Accounts() store.AccountRepository {
	return &accountRepo{db: r.executor}
}

func (r *Repository) APIKeys() store.APIKeyRepository {
	return &apiKeyRepo{db: r.executor}
}

func (r *Repository) Balances() store.BalanceRepository {
	return &balanceRepo{db: r.executor}
}

func (r *Repository) RateLimits() store.RateLimitRepository {
	return &rateLimitRepo{db: r.executor}
}

func (r *Repository) Counters() store.CounterRepository {
	return &counterRepo{db: r.executor}
}

func (r *Repository) PricingRules() store.PricingRuleRepository {
	return &pricingRuleRepo{db: r.executor}
}

func (r *Repository) Usage() store.UsageRepository {
	return &usageRepo{db: r.executor}
}

func get(ctx context.Context, db DB, dest interface{}, query string, args ...interface{}) error {
	err := db.GetContext(ctx, dest, db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func namedExec(ctx context.Context, db DB, query string, arg interface{}) error {
	_, err := db.NamedExecContext(ctx, query, arg)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	return err
}

type accountRepo struct {
	db DB
}

func (r *accountRepo) Get(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if err := get(ctx, r.db, &a, `SELECT * FROM accounts WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *accountRepo) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	var a model.Account
	if err := get(ctx, r.db, &a, `SELECT * FROM accounts WHERE email = ?`, email); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *accountRepo) Create(ctx context.Context, account *model.Account) error {
	query := `INSERT INTO accounts (id, email, created_at) VALUES (:id, :email, :created_at)`
	return namedExec(ctx, r.db, query, account)
}

type apiKeyRepo struct {
	db DB
}

func (r *apiKeyRepo) GetByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var key model.APIKey
	if err := get(ctx, r.db, &key, `SELECT * FROM api_keys WHERE key_hash = ?`, hash); err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *apiKeyRepo) Create(ctx context.Context, key *model.APIKey) error {
	query := `
	INSERT INTO api_keys (id, account_id, name, key_hash, key_prefix, is_active, expires_at, last_used_at, created_at)
	VALUES (:id, :account_id, :name, :key_hash, :key_prefix, :is_active, :expires_at, :last_used_at, :created_at)`
	return namedExec(ctx, r.db, query, key)
}

func (r *apiKeyRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`), at.UTC(), id)
	return err
}

func (r *apiKeyRepo) ListByAccount(ctx context.Context, accountID string) ([]model.APIKey, error) {
	var keys []model.APIKey
	query := `SELECT * FROM api_keys WHERE account_id = ? ORDER BY created_at DESC`
	err := r.db.SelectContext(ctx, &keys, r.db.Rebind(query), accountID)
	return keys, err
}

func (r *apiKeyRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE api_keys SET is_active = ? WHERE id = ?`), active, id)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

type balanceRepo struct {
	db DB
}

func (r *balanceRepo) Get(ctx context.Context, accountID string) (*model.Balance, error) {
	var b model.Balance
	if err := get(ctx, r.db, &b, `SELECT * FROM balances WHERE account_id = ?`, accountID); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *balanceRepo) Debit(ctx context.Context, accountID string, amountMicros int64) (bool, error) {
	// the guard and the decrement are one statement, so concurrent debits
	// cannot both observe the same pre-debit balance
	query := `
	UPDATE balances
	SET credits_micros = credits_micros - ?, updated_at = ?
	WHERE account_id = ? AND credits_micros >= ?`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), amountMicros, time.Now().UTC(), accountID, amountMicros)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *balanceRepo) Credit(ctx context.Context, accountID string, amountMicros int64) (int64, error) {
	query := `
	INSERT INTO balances (account_id, credits_micros, currency, updated_at)
	VALUES (?, ?, 'USD', ?)
	ON CONFLICT (account_id) DO UPDATE SET
		credits_micros = balances.credits_micros + excluded.credits_micros,
		updated_at = excluded.updated_at
	RETURNING credits_micros`
	var balance int64
	err := r.db.GetContext(ctx, &balance, r.db.Rebind(query), accountID, amountMicros, time.Now().UTC())
	return balance, err
}

func (r *balanceRepo) RecordTopUp(ctx context.Context, tx *model.CreditTransaction) error {
	query := `
	INSERT INTO credit_transactions (id, account_id, amount_micros, reference, created_at)
	VALUES (:id, :account_id, :amount_micros, :reference, :created_at)`
	return namedExec(ctx, r.db, query, tx)
}

type rateLimitRepo struct {
	db DB
}

func (r *rateLimitRepo) Get(ctx context.Context, accountID string) (*model.RateLimitPolicy, error) {
	var p model.RateLimitPolicy
	if err := get(ctx, r.db, &p, `SELECT * FROM rate_limits WHERE account_id = ?`, accountID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *rateLimitRepo) Upsert(ctx context.Context, policy *model.RateLimitPolicy) error {
	query := `
	INSERT INTO rate_limits (
		account_id, requests_per_minute, requests_per_hour, requests_per_day,
		max_tokens_per_request, updated_at
	) VALUES (
		:account_id, :requests_per_minute, :requests_per_hour, :requests_per_day,
		:max_tokens_per_request, :updated_at
	)
	ON CONFLICT (account_id) DO UPDATE SET
		requests_per_minute = excluded.requests_per_minute,
		requests_per_hour = excluded.requests_per_hour,
		requests_per_day = excluded.requests_per_day,
		max_tokens_per_request = excluded.max_tokens_per_request,
		updated_at = excluded.updated_at`
	return namedExec(ctx, r.db, query, policy)
}

type counterRepo struct {
	db DB
}

func (r *counterRepo) Count(ctx context.Context, key model.CounterKey) (int64, error) {
	var count int64
	query := `
	SELECT request_count FROM request_counters
	WHERE account_id = ? AND window_type = ? AND window_start = ?`
	err := get(ctx, r.db, &count, query, key.AccountID, key.Window, key.WindowStart.Unix())
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	return count, err
}

func (r *counterRepo) Increment(ctx context.Context, key model.CounterKey) (int64, error) {
	query := `
	INSERT INTO request_counters (account_id, window_type, window_start, request_count)
	VALUES (?, ?, ?, 1)
	ON CONFLICT (account_id, window_type, window_start) DO UPDATE SET
		request_count = request_counters.request_count + 1
	RETURNING request_count`
	var count int64
	err := r.db.GetContext(ctx, &count, r.db.Rebind(query), key.AccountID, key.Window, key.WindowStart.Unix())
	return count, err
}

func (r *counterRepo) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM request_counters WHERE window_start < ?`), t.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type pricingRuleRepo struct {
	db DB
}

func (r *pricingRuleRepo) ListActive(ctx context.Context) ([]model.PricingRule, error) {
	var rules []model.PricingRule
	query := `SELECT * FROM pricing_rules WHERE is_active = TRUE ORDER BY priority DESC, id ASC`
	err := r.db.SelectContext(ctx, &rules, query)
	return rules, err
}

func (r *pricingRuleRepo) Upsert(ctx context.Context, rule *model.PricingRule) error {
	query := `
	INSERT INTO pricing_rules (id, model_pattern, markup_percentage, min_cost_usd, is_active, priority)
	VALUES (:id, :model_pattern, :markup_percentage, :min_cost_usd, :is_active, :priority)
	ON CONFLICT (id) DO UPDATE SET
		model_pattern = excluded.model_pattern,
		markup_percentage = excluded.markup_percentage,
		min_cost_usd = excluded.min_cost_usd,
		is_active = excluded.is_active,
		priority = excluded.priority`
	return namedExec(ctx, r.db, query, rule)
}

type usageRepo struct {
	db DB
}

func (r *usageRepo) Append(ctx context.Context, rec *model.UsageRecord) error {
	query := `
	INSERT INTO usage_logs (
		id, account_id, api_key_id, model, status,
		prompt_tokens, completion_tokens, total_tokens,
		cost_micros, credits_deducted_micros, error_message,
		request_meta, response_meta, created_at
	) VALUES (
		:id, :account_id, :api_key_id, :model, :status,
		:prompt_tokens, :completion_tokens, :total_tokens,
		:cost_micros, :credits_deducted_micros, :error_message,
		:request_meta, :response_meta, :created_at
	)`
	return namedExec(ctx, r.db, query, rec)
}

func (r *usageRepo) ListRecent(ctx context.Context, accountID string, limit int) ([]model.UsageRecord, error) {
	var logs []model.UsageRecord
	query := `SELECT * FROM usage_logs WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`
	err := r.db.SelectContext(ctx, &logs, r.db.Rebind(query), accountID, limit)
	return logs, err
}

func (r *usageRepo) Summary(ctx context.Context, accountID string, since time.Time) (*model.UsageSummary, error) {
	var s model.UsageSummary
	query := `
	SELECT
		COUNT(*) AS requests,
		CAST(COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0) AS BIGINT) AS errors,
		CAST(COALESCE(SUM(prompt_tokens), 0) AS BIGINT) AS prompt_tokens,
		CAST(COALESCE(SUM(completion_tokens), 0) AS BIGINT) AS completion_tokens,
		CAST(COALESCE(SUM(total_tokens), 0) AS BIGINT) AS total_tokens,
		CAST(COALESCE(SUM(cost_micros), 0) AS BIGINT) AS cost_micros,
		CAST(COALESCE(SUM(credits_deducted_micros), 0) AS BIGINT) AS credits_deducted_micros
	FROM usage_logs
	WHERE account_id = ? AND created_at >= ?`
	if err := r.db.GetContext(ctx, &s, r.db.Rebind(query), accountID, since.UTC()); err != nil {
		return nil, err
	}
	return &s, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
