package ledger

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCommitTimeNeverGoesBackwards(t *testing.T) {
	last := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)

	if got := CommitTime(last, last.Add(-time.Second)); !got.Equal(last) {
		t.Fatalf("clock skew: got %v want %v", got, last)
	}
	later := last.Add(time.Second)
	if got := CommitTime(last, later); !got.Equal(later) {
		t.Fatalf("got %v want %v", got, later)
	}
	if got := CommitTime(time.Time{}, later.Add(789)); got.Nanosecond()%1000 != 0 {
		t.Fatalf("expected microsecond precision, got %v", got)
	}
}

func TestNormalizeLimit(t *testing.T) {
	if got := NormalizeLimit(0); got != DefaultRecentLimit {
		t.Fatalf("got %d want %d", got, DefaultRecentLimit)
	}
	if got := NormalizeLimit(3); got != 3 {
		t.Fatalf("got %d want 3", got)
	}
}

func TestErrorClasses(t *testing.T) {
	wrapped := fmt.Errorf("commit: %w", ErrConflict)
	if !IsRetryable(wrapped) || IsClientError(wrapped) {
		t.Fatalf("conflict should be retryable only")
	}
	if IsRetryable(ErrInsufficientFunds) || !IsClientError(ErrInsufficientFunds) {
		t.Fatalf("insufficient funds should be a client error")
	}
	if IsClientError(ErrAccountNotFound) || IsRetryable(ErrAccountNotFound) {
		t.Fatalf("not found is neither")
	}
	if !errors.Is(fmt.Errorf("x: %w", ErrStoreUnavailable), ErrStoreUnavailable) {
		t.Fatal("wrap lost")
	}
}
