package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/autoscope/expertise/internal/ledger"
)

// LedgerStore implements ledger.Store using GORM.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore returns a LedgerStore backed by gorm.DB.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction})
	})
}

func (store *LedgerStore) GetBalance(ctx context.Context, userID string) (ledger.BalanceSnapshot, error) {
	var row CreditBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return emptySnapshot(userID), nil
	}
	if err != nil {
		return ledger.BalanceSnapshot{}, err
	}
	return mapBalance(row), nil
}

// GetBalanceForUpdate locks the balance row for the surrounding
// transaction, creating a zero row for first-time users.
func (store *LedgerStore) GetBalanceForUpdate(ctx context.Context, userID string) (ledger.BalanceSnapshot, error) {
	var row CreditBalance
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = CreditBalance{
			UserID:         userID,
			Balance:        decimal.Zero,
			TotalPurchased: decimal.Zero,
			TotalUsed:      decimal.Zero,
			UpdatedAt:      time.Now().UTC(),
		}
		if createErr := store.db.WithContext(ctx).Create(&row).Error; createErr != nil {
			if !isUniqueViolation(createErr) {
				return ledger.BalanceSnapshot{}, createErr
			}
			// Lost the creation race; lock the winner's row.
			err = store.db.WithContext(ctx).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ?", userID).
				Take(&row).Error
			if err != nil {
				return ledger.BalanceSnapshot{}, err
			}
		}
		return mapBalance(row), nil
	}
	if err != nil {
		return ledger.BalanceSnapshot{}, err
	}
	return mapBalance(row), nil
}

func (store *LedgerStore) UpdateBalance(ctx context.Context, snapshot ledger.BalanceSnapshot) error {
	return store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("user_id = ?", snapshot.UserID).
		Updates(map[string]any{
			"balance":         snapshot.Balance,
			"total_purchased": snapshot.TotalPurchased,
			"total_used":      snapshot.TotalUsed,
			"updated_at":      time.Now().UTC(),
		}).Error
}

func (store *LedgerStore) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	row := CreditTransaction{
		ID:          transaction.ID,
		UserID:      transaction.UserID,
		Type:        string(transaction.Type),
		Amount:      transaction.Amount,
		Status:      string(transaction.Status),
		ReferenceID: transaction.ReferenceID,
		Description: transaction.Description,
		CreatedAt:   transaction.CreatedAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateReference
	}
	return err
}

func (store *LedgerStore) FindTransactionByReference(ctx context.Context, referenceID string) (ledger.Transaction, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	return mapTransaction(row), nil
}

func (store *LedgerStore) UpdateTransactionStatus(ctx context.Context, transactionID string, from, to ledger.TransactionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("id = ? AND status = ?", transactionID, string(from)).
		Update("status", string(to))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func (store *LedgerStore) ListTransactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapTransaction(row))
	}
	return transactions, nil
}

func emptySnapshot(userID string) ledger.BalanceSnapshot {
	return ledger.BalanceSnapshot{
		UserID:         userID,
		Balance:        decimal.Zero,
		TotalPurchased: decimal.Zero,
		TotalUsed:      decimal.Zero,
	}
}

func mapBalance(row CreditBalance) ledger.BalanceSnapshot {
	return ledger.BalanceSnapshot{
		UserID:         row.UserID,
		Balance:        row.Balance,
		TotalPurchased: row.TotalPurchased,
		TotalUsed:      row.TotalUsed,
	}
}

func mapTransaction(row CreditTransaction) ledger.Transaction {
	return ledger.Transaction{
		ID:          row.ID,
		UserID:      row.UserID,
		Type:        ledger.TransactionType(row.Type),
		Amount:      row.Amount,
		Status:      ledger.TransactionStatus(row.Status),
		ReferenceID: row.ReferenceID,
		Description: row.Description,
		CreatedAt:   row.CreatedAt,
	}
}
