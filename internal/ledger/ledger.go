package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/store"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"github.com/google/uuid"
)

var (
	// ErrDuplicateTopUp is returned when a top-up reference was already applied.
	ErrDuplicateTopUp = errors.New("ledger: top-up already applied")
	ErrInvalidAmount  = errors.New("ledger: amount must be positive")
)

// InsufficientCreditsError carries the shortfall in micro-dollars.
type InsufficientCreditsError struct {
	RequiredMicros  int64
	AvailableMicros int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d (micro-USD)", e.RequiredMicros, e.AvailableMicros)
}

// Ledger owns every balance mutation. All changes go through single
// conditional statements in the store, never read-then-write here.
type Ledger struct {
	repo store.Repository
}

func New(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Balance returns the current credits in micro-dollars. Accounts without a
// balance row have zero credits.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	b, err := l.repo.Balances().Get(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return b.CreditsMicros, nil
}

// CheckFunds fails with *InsufficientCreditsError when the balance is below
// required. It does not reserve anything.
func (l *Ledger) CheckFunds(ctx context.Context, accountID string, requiredMicros int64) error {
	available, err := l.Balance(ctx, accountID)
	if err != nil {
		return err
	}
	if available < requiredMicros {
		return &InsufficientCreditsError{RequiredMicros: requiredMicros, AvailableMicros: available}
	}
	return nil
}

// TryDebit subtracts amount if the balance covers it. The balance never goes
// negative; when it would, nothing changes and *InsufficientCreditsError is
// returned.
func (l *Ledger) TryDebit(ctx context.Context, accountID string, amountMicros int64) error {
	if amountMicros <= 0 {
		return nil
	}
	ok, err := l.repo.Balances().Debit(ctx, accountID, amountMicros)
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if ok {
		return nil
	}

	available, err := l.Balance(ctx, accountID)
	if err != nil {
		return err
	}
	return &InsufficientCreditsError{RequiredMicros: amountMicros, AvailableMicros: available}
}

// AddCredits applies a top-up and returns the new balance. A non-empty
// reference is applied at most once.
func (l *Ledger) AddCredits(ctx context.Context, accountID string, amountMicros int64, reference string) (int64, error) {
	if amountMicros <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance int64
	err := l.repo.WithTx(ctx, func(repo store.Repository) error {
		tx := &model.CreditTransaction{
			ID:           uuid.NewString(),
			AccountID:    accountID,
			AmountMicros: amountMicros,
			Reference:    sql.NullString{String: reference, Valid: reference != ""},
			CreatedAt:    time.Now().UTC(),
		}
		if err := repo.Balances().RecordTopUp(ctx, tx); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrDuplicateTopUp
			}
			return err
		}

		var err error
		balance, err = repo.Balances().Credit(ctx, accountID, amountMicros)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}
