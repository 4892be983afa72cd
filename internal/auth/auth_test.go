package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/background"
	"github.com/JuanPabloHerrera/openapi/internal/store"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockKeyStore struct {
	mock.Mock
}

func (m *MockKeyStore) GetByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.APIKey), args.Error(1)
}

func (m *MockKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

type MockAccountStore struct {
	mock.Mock
}

func (m *MockAccountStore) Get(ctx context.Context, id string) (*model.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Account), args.Error(1)
}

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestAuthenticator(keys *MockKeyStore, accounts *MockAccountStore) (*Authenticator, *background.Group) {
	tasks := background.NewGroup(zap.NewNop(), time.Second)
	a := NewAuthenticator(keys, accounts, tasks, zap.NewNop())
	a.now = func() time.Time { return fixedNow }
	return a, tasks
}

func mustGenerate(t *testing.T) (string, string) {
	t.Helper()
	secret, hash, prefix, err := Generate()
	require.NoError(t, err)
	assert.Equal(t, secret[:12], prefix)
	return secret, hash
}

func TestAuthenticate_MalformedNeverHitsStore(t *testing.T) {
	keys := new(MockKeyStore)
	accounts := new(MockAccountStore)
	a, _ := newTestAuthenticator(keys, accounts)

	inputs := []string{
		"",
		"sk_live_",
		"sk_test_" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		"sk_live_" + "0123456789ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef",
		"sk_live_" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcde",
		"sk_live_" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdefa",
	}
	for _, in := range inputs {
		_, err := a.Authenticate(context.Background(), in)
		assert.ErrorIs(t, err, ErrMalformedCredential, in)
	}

	keys.AssertNotCalled(t, "GetByHash", mock.Anything, mock.Anything)
	accounts.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestAuthenticate_Success(t *testing.T) {
	keys := new(MockKeyStore)
	accounts := new(MockAccountStore)
	a, tasks := newTestAuthenticator(keys, accounts)
	secret, hash := mustGenerate(t)

	keys.On("GetByHash", mock.Anything, hash).Return(&model.APIKey{ID: "key-1", AccountID: "acct-1", IsActive: true}, nil)
	accounts.On("Get", mock.Anything, "acct-1").Return(&model.Account{ID: "acct-1", Email: "a@example.com"}, nil)
	keys.On("TouchLastUsed", mock.Anything, "key-1", fixedNow).Return(nil)

	p, err := a.Authenticate(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, &Principal{AccountID: "acct-1", APIKeyID: "key-1", Email: "a@example.com"}, p)

	require.NoError(t, tasks.Wait(context.Background()))
	keys.AssertExpectations(t)
}

func TestAuthenticate_TouchFailureIsIgnored(t *testing.T) {
	keys := new(MockKeyStore)
	accounts := new(MockAccountStore)
	a, tasks := newTestAuthenticator(keys, accounts)
	secret, hash := mustGenerate(t)

	keys.On("GetByHash", mock.Anything, hash).Return(&model.APIKey{ID: "key-1", AccountID: "acct-1", IsActive: true}, nil)
	accounts.On("Get", mock.Anything, "acct-1").Return(&model.Account{ID: "acct-1"}, nil)
	keys.On("TouchLastUsed", mock.Anything, "key-1", mock.Anything).Return(errors.New("db locked"))

	p, err := a.Authenticate(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", p.AccountID)
	require.NoError(t, tasks.Wait(context.Background()))
}

func TestAuthenticate_Rejections(t *testing.T) {
	secret, hash := mustGenerate(t)

	tests := []struct {
		name    string
		key     *model.APIKey
		keyErr  error
		account *model.Account
		acctErr error
		want    error
	}{
		{name: "unknown", keyErr: store.ErrNotFound, want: ErrUnknownKey},
		{name: "inactive", key: &model.APIKey{ID: "k", AccountID: "a", IsActive: false}, want: ErrInactiveKey},
		{
			name: "expired",
			key:  &model.APIKey{ID: "k", AccountID: "a", IsActive: true, ExpiresAt: sql.NullTime{Time: fixedNow, Valid: true}},
			want: ErrExpiredKey,
		},
		{name: "missing account", key: &model.APIKey{ID: "k", AccountID: "a", IsActive: true}, acctErr: store.ErrNotFound, want: ErrUnknownKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := new(MockKeyStore)
			accounts := new(MockAccountStore)
			a, _ := newTestAuthenticator(keys, accounts)

			keys.On("GetByHash", mock.Anything, hash).Return(tt.key, tt.keyErr)
			accounts.On("Get", mock.Anything, "a").Return(tt.account, tt.acctErr)

			_, err := a.Authenticate(context.Background(), secret)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsRejection(err))
			keys.AssertNotCalled(t, "TouchLastUsed", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestAuthenticate_FutureExpiryIsValid(t *testing.T) {
	keys := new(MockKeyStore)
	accounts := new(MockAccountStore)
	a, tasks := newTestAuthenticator(keys, accounts)
	secret, hash := mustGenerate(t)

	keys.On("GetByHash", mock.Anything, hash).Return(&model.APIKey{
		ID: "k", AccountID: "a", IsActive: true,
		ExpiresAt: sql.NullTime{Time: fixedNow.Add(time.Second), Valid: true},
	}, nil)
	accounts.On("Get", mock.Anything, "a").Return(&model.Account{ID: "a"}, nil)
	keys.On("TouchLastUsed", mock.Anything, "k", mock.Anything).Return(nil)

	_, err := a.Authenticate(context.Background(), secret)
	assert.NoError(t, err)
	require.NoError(t, tasks.Wait(context.Background()))
}

func TestAuthenticate_StoreFailureIsNotRejection(t *testing.T) {
	keys := new(MockKeyStore)
	accounts := new(MockAccountStore)
	a, _ := newTestAuthenticator(keys, accounts)
	secret, hash := mustGenerate(t)

	keys.On("GetByHash", mock.Anything, hash).Return(nil, errors.New("connection refused"))

	_, err := a.Authenticate(context.Background(), secret)
	require.Error(t, err)
	assert.False(t, IsRejection(err))
}

func TestExtractCredential(t *testing.T) {
	assert.Equal(t, "sk_live_x", ExtractCredential("Bearer sk_live_x"))
	assert.Equal(t, "sk_live_x", ExtractCredential("bearer   sk_live_x"))
	assert.Equal(t, "sk_live_x", ExtractCredential("sk_live_x"))
	assert.Equal(t, "", ExtractCredential(""))
}

func TestHashCredential(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashCredential("abc"))

	secret, hash := mustGenerate(t)
	assert.True(t, ValidateFormat(secret))
	assert.Len(t, secret, 72)
	assert.Equal(t, HashCredential(secret), hash)
}
