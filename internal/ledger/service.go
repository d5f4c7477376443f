package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const refundReferenceSuffix = ":refund"

// Service contains the domain logic over a Store. It is the only writer of
// balance and transaction rows.
type Service struct {
	store Store
	nowFn func() time.Time
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, nowFn: now}, nil
}

// Debit atomically charges amount against the user's balance and appends a
// COMPLETED USAGE transaction. A retry with a referenceID that already
// settled returns the original transaction without charging again.
func (s *Service) Debit(ctx context.Context, userID string, amount decimal.Decimal, referenceID, description string) (Transaction, error) {
	if err := validateOperation(userID, amount, referenceID); err != nil {
		return Transaction{}, err
	}
	var result Transaction
	err := s.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		existing, err := txStore.FindTransactionByReference(ctx, referenceID)
		if err == nil {
			if existing.Type == TransactionUsage && settled(existing.Status) {
				result = existing
				return nil
			}
			return fmt.Errorf("%w: %s held by %s transaction", ErrDuplicateReference, referenceID, existing.Type)
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}

		snapshot, err := txStore.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if snapshot.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientBalance, snapshot.Balance, amount)
		}
		snapshot.Balance = snapshot.Balance.Sub(amount)
		snapshot.TotalUsed = snapshot.TotalUsed.Add(amount)
		if err := txStore.UpdateBalance(ctx, snapshot); err != nil {
			return err
		}
		result = Transaction{
			ID:          uuid.NewString(),
			UserID:      userID,
			Type:        TransactionUsage,
			Amount:      amount,
			Status:      TransactionStatusCompleted,
			ReferenceID: referenceID,
			Description: description,
			CreatedAt:   s.nowFn(),
		}
		return txStore.InsertTransaction(ctx, result)
	})
	if err != nil {
		return Transaction{}, err
	}
	return result, nil
}

// Refund reverses a prior debit identified by its referenceID. The refund
// is applied at most once: a second call for the same reference returns the
// existing refund transaction and changes nothing.
func (s *Service) Refund(ctx context.Context, userID string, amount decimal.Decimal, referenceID, description string) (Transaction, error) {
	if err := validateOperation(userID, amount, referenceID); err != nil {
		return Transaction{}, err
	}
	refundReference := referenceID + refundReferenceSuffix
	var result Transaction
	err := s.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		// Lock the balance row before any reads. Concurrent refunds for
		// the same reference serialize here, so the loser's lookup below
		// sees the winner's refund row instead of colliding with it.
		snapshot, err := txStore.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		existing, err := txStore.FindTransactionByReference(ctx, refundReference)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}

		usage, err := txStore.FindTransactionByReference(ctx, referenceID)
		if errors.Is(err, ErrTransactionNotFound) {
			return fmt.Errorf("%w: no usage transaction for %s", ErrNoMatchingDebit, referenceID)
		}
		if err != nil {
			return err
		}
		if usage.Type != TransactionUsage || usage.UserID != userID {
			return fmt.Errorf("%w: reference %s is not a usage transaction for this user", ErrNoMatchingDebit, referenceID)
		}
		if usage.Status == TransactionStatusRefunded {
			// Marked refunded but the refund row was not found above;
			// treated as a torn write and rejected rather than absorbed.
			return fmt.Errorf("%w: usage %s already refunded", ErrDuplicateReference, usage.ID)
		}
		if !usage.Amount.Equal(amount) {
			return fmt.Errorf("%w: debited %s, refund requested %s", ErrAmountMismatch, usage.Amount, amount)
		}

		snapshot.Balance = snapshot.Balance.Add(amount)
		snapshot.TotalUsed = snapshot.TotalUsed.Sub(amount)
		if err := txStore.UpdateBalance(ctx, snapshot); err != nil {
			return err
		}
		if err := txStore.UpdateTransactionStatus(ctx, usage.ID, usage.Status, TransactionStatusRefunded); err != nil {
			return err
		}
		result = Transaction{
			ID:          uuid.NewString(),
			UserID:      userID,
			Type:        TransactionRefund,
			Amount:      amount,
			Status:      TransactionStatusCompleted,
			ReferenceID: refundReference,
			Description: description,
			CreatedAt:   s.nowFn(),
		}
		return txStore.InsertTransaction(ctx, result)
	})
	if err != nil {
		return Transaction{}, err
	}
	return result, nil
}

// Credit grants spendable balance as a PURCHASE or BONUS transaction.
// Idempotent on referenceID like Debit.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, creditType TransactionType, referenceID, description string) (Transaction, error) {
	if err := validateOperation(userID, amount, referenceID); err != nil {
		return Transaction{}, err
	}
	if creditType != TransactionPurchase && creditType != TransactionBonus {
		return Transaction{}, fmt.Errorf("%w: %s", ErrInvalidCreditType, creditType)
	}
	var result Transaction
	err := s.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		existing, err := txStore.FindTransactionByReference(ctx, referenceID)
		if err == nil {
			if existing.Type == creditType && settled(existing.Status) {
				result = existing
				return nil
			}
			return fmt.Errorf("%w: %s held by %s transaction", ErrDuplicateReference, referenceID, existing.Type)
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}

		snapshot, err := txStore.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		snapshot.Balance = snapshot.Balance.Add(amount)
		snapshot.TotalPurchased = snapshot.TotalPurchased.Add(amount)
		if err := txStore.UpdateBalance(ctx, snapshot); err != nil {
			return err
		}
		result = Transaction{
			ID:          uuid.NewString(),
			UserID:      userID,
			Type:        creditType,
			Amount:      amount,
			Status:      TransactionStatusCompleted,
			ReferenceID: referenceID,
			Description: description,
			CreatedAt:   s.nowFn(),
		}
		return txStore.InsertTransaction(ctx, result)
	})
	if err != nil {
		return Transaction{}, err
	}
	return result, nil
}

// Balance returns a point-in-time snapshot of the user's balance.
func (s *Service) Balance(ctx context.Context, userID string) (BalanceSnapshot, error) {
	if strings.TrimSpace(userID) == "" {
		return BalanceSnapshot{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return s.store.GetBalance(ctx, userID)
}

// ListTransactions returns the newest transactions for a user.
func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

func validateOperation(userID string, amount decimal.Decimal, referenceID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if strings.TrimSpace(referenceID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidReferenceID)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return nil
}

func settled(status TransactionStatus) bool {
	return status == TransactionStatusCompleted || status == TransactionStatusRefunded
}
