package ledger

import "errors"

var (
	// ErrInvalidInput marks a malformed or missing request field. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientFunds marks a transfer larger than the payer's balance.
	ErrInsufficientFunds = errors.New("insufficient balance")

	// ErrAccountNotFound marks an account with no balance record.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidState marks an attempt to store a negative balance.
	ErrInvalidState = errors.New("balance cannot be negative")

	// ErrConflict marks a concurrency conflict reported by the store.
	// Nothing was committed, so the whole transfer may be retried.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrStoreUnavailable marks a store that could not be reached.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
)

// IsRetryable reports whether err is transient and the whole operation may be run again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable)
}

// IsClientError reports whether err was caused by the request rather than the store.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidState)
}
