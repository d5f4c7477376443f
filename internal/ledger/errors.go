package ledger

import "errors"

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateReference   = errors.New("duplicate reference id")
	ErrNoMatchingDebit      = errors.New("refund without matching debit")
	ErrAmountMismatch       = errors.New("refund amount mismatch")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidReferenceID   = errors.New("invalid reference id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidCreditType    = errors.New("invalid credit type")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
