package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/background"
	"github.com/JuanPabloHerrera/openapi/internal/store"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"go.uber.org/zap"
)

var (
	ErrMalformedCredential = errors.New("auth: malformed credential")
	ErrUnknownKey          = errors.New("auth: unknown key")
	ErrInactiveKey         = errors.New("auth: inactive key")
	ErrExpiredKey          = errors.New("auth: expired key")
)

// IsRejection reports whether err is one of the credential rejections, as
// opposed to an infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMalformedCredential) ||
		errors.Is(err, ErrUnknownKey) ||
		errors.Is(err, ErrInactiveKey) ||
		errors.Is(err, ErrExpiredKey)
}

// Principal is the authenticated identity a request acts as.
type Principal struct {
	AccountID string
	APIKeyID  string
	Email     string
}

type KeyStore interface {
	GetByHash(ctx context.Context, hash string) (*model.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

type AccountStore interface {
	Get(ctx context.Context, id string) (*model.Account, error)
}

// Authenticator resolves credentials to principals.
type Authenticator struct {
	keys     KeyStore
	accounts AccountStore
	tasks    *background.Group
	logger   *zap.Logger
	now      func() time.Time
}

func NewAuthenticator(keys KeyStore, accounts AccountStore, tasks *background.Group, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		keys:     keys,
		accounts: accounts,
		tasks:    tasks,
		logger:   logger,
		now:      time.Now,
	}
}

// Authenticate validates the credential and returns the principal. Malformed
// input never reaches the store. The last-used stamp is written in the
// background and its failure does not affect the result.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	if !ValidateFormat(credential) {
		return nil, ErrMalformedCredential
	}

	key, err := a.keys.GetByHash(ctx, HashCredential(credential))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownKey
		}
		return nil, fmt.Errorf("lookup key: %w", err)
	}

	now := a.now()
	if !key.IsActive {
		return nil, ErrInactiveKey
	}
	if key.Expired(now) {
		return nil, ErrExpiredKey
	}

	account, err := a.accounts.Get(ctx, key.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("API key references a missing account",
				zap.String("key_id", key.ID),
				zap.String("account_id", key.AccountID),
			)
			return nil, ErrUnknownKey
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	keyID := key.ID
	a.tasks.Go("touch_last_used", func(ctx context.Context) error {
		return a.keys.TouchLastUsed(ctx, keyID, now.UTC())
	})

	return &Principal{
		AccountID: account.ID,
		APIKeyID:  key.ID,
		Email:     account.Email,
	}, nil
}
