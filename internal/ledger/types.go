package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates the kinds of ledger movements.
type TransactionType string

const (
	TransactionPurchase TransactionType = "PURCHASE"
	TransactionUsage    TransactionType = "USAGE"
	TransactionRefund   TransactionType = "REFUND"
	TransactionBonus    TransactionType = "BONUS"
)

// TransactionStatus tracks the settlement state of one transaction.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusRefunded  TransactionStatus = "REFUNDED"
)

// Transaction is a single immutable line in the audit log. Amount is always
// positive; the type carries the sign (USAGE subtracts, everything else
// adds).
type Transaction struct {
	ID          string
	UserID      string
	Type        TransactionType
	Amount      decimal.Decimal
	Status      TransactionStatus
	ReferenceID string
	Description string
	CreatedAt   time.Time
}

// BalanceSnapshot is the per-user balance row. The invariant
// Balance == TotalPurchased - TotalUsed holds after every completed
// operation.
type BalanceSnapshot struct {
	UserID         string
	Balance        decimal.Decimal
	TotalPurchased decimal.Decimal
	TotalUsed      decimal.Decimal
}

// Store is the persistence contract used by Service. GetBalanceForUpdate
// must lock the balance row for the duration of the surrounding
// transaction so concurrent operations on the same user serialize.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, userID string) (BalanceSnapshot, error)
	GetBalanceForUpdate(ctx context.Context, userID string) (BalanceSnapshot, error)
	UpdateBalance(ctx context.Context, snapshot BalanceSnapshot) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	FindTransactionByReference(ctx context.Context, referenceID string) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID string, from, to TransactionStatus) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}
