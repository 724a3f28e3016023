// Package ledger defines the balance ledger contract shared by the transfer
// engine and every storage backend.
package ledger

import (
	"context"
	"time"

	"github.com/abkawan/sendmoney-ledger/internal/models"
)

// DefaultRecentLimit is used when a caller asks for the recent transactions without a limit.
const DefaultRecentLimit = 10

// ApplyFunc receives the payer's current balance while the store holds the
// account exclusively. It returns the transaction to append, whose
// ResultingBalance becomes the new stored balance, or an error to abort
// without any mutation.
type ApplyFunc func(balance int64) (*models.Transaction, error)

// Store is durable key-value storage for balances plus an append-only
// transaction log.
type Store interface {
	// EnsureAccount creates the account with balance if it has no record.
	// It is a single atomic upsert and leaves an existing record untouched.
	EnsureAccount(ctx context.Context, accountID string, balance int64) error

	// Balance returns ErrAccountNotFound when the account has no record.
	Balance(ctx context.Context, accountID string) (int64, error)

	// SetBalance replaces (or creates) the stored balance. Negative values
	// are rejected with ErrInvalidState.
	SetBalance(ctx context.Context, accountID string, balance int64) error

	// Apply runs fn against the current balance of accountID and commits the
	// returned transaction together with the new balance as one unit.
	// Concurrent Apply calls on the same account are serialized.
	//
	// When reference is non-empty and a transaction with the same reference
	// already exists for accountID, it is returned with created=false and fn
	// is not called.
	Apply(ctx context.Context, accountID, reference string, fn ApplyFunc) (tx *models.Transaction, created bool, err error)

	// Recent returns transactions by timestamp descending, ties broken by
	// insertion order, most recent first.
	Recent(ctx context.Context, q models.TransactionQuery) ([]*models.Transaction, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// CommitTime returns the timestamp for a transaction committed at now on an
// account whose previous transaction was stamped last. Timestamps never go
// backwards per account and carry microsecond precision, the finest every
// backend can store.
func CommitTime(last, now time.Time) time.Time {
	ts := now.UTC().Truncate(time.Microsecond)
	if ts.Before(last) {
		return last.UTC()
	}
	return ts
}

// NormalizeLimit clamps a requested limit to a usable value.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}
