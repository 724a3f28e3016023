package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/models"
)

// MaxRecentLimit caps the page size of RecentTransactions. Larger limits are
// clamped, not rejected.
const MaxRecentLimit = 100

// EventPublisher receives committed transfers.
type EventPublisher interface {
	PublishTransfer(ctx context.Context, event models.TransferEvent) error
}

// TransferRequest is a validated-on-entry request to move amount minor units
// out of FromAccountID. The recipient is a free-form label.
type TransferRequest struct {
	FromAccountID string
	ToLabel       string
	ToPhotoURL    string
	Amount        int64
	// Reference makes the transfer idempotent per payer when set.
	Reference string
}

// TransferResult is the outcome of a committed (or replayed) transfer.
type TransferResult struct {
	Transaction *models.Transaction
	NewBalance  int64
	// Replayed is set when Reference matched an earlier transfer and nothing
	// was written.
	Replayed bool
}

// TransactionOptions controls retries of transient store failures.
type TransactionOptions struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// handles transaction operations
type TransactionService struct {
	store     ledger.Store
	accounts  *AccountService
	publisher EventPublisher
	opts      TransactionOptions
	logger    *slog.Logger
}

// creates a new TransactionService. publisher may be nil.
func NewTransactionService(store ledger.Store, accounts *AccountService, publisher EventPublisher, opts TransactionOptions, logger *slog.Logger) *TransactionService {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionService{
		store:     store,
		accounts:  accounts,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
	}
}

// Transfer debits req.Amount from the payer and records exactly one
// transaction. A transient store failure restarts the whole operation from
// the balance read.
func (s *TransactionService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	req.FromAccountID = strings.TrimSpace(req.FromAccountID)
	req.ToLabel = strings.TrimSpace(req.ToLabel)
	req.Reference = strings.TrimSpace(req.Reference)
	if err := validateTransfer(req); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		result, err := s.transferOnce(ctx, req)
		if err == nil {
			if result.Replayed {
				s.logger.Info("transfer replayed",
					"transaction_id", result.Transaction.ID,
					"account_id", req.FromAccountID,
					"reference", req.Reference,
				)
				return result, nil
			}
			s.logger.Info("transfer committed",
				"transaction_id", result.Transaction.ID,
				"account_id", req.FromAccountID,
				"amount", req.Amount,
				"new_balance", result.NewBalance,
				"attempt", attempt,
			)
			s.publish(ctx, result.Transaction)
			return result, nil
		}

		if !ledger.IsRetryable(err) || attempt >= s.opts.MaxAttempts {
			return nil, err
		}

		backoff := s.opts.RetryBackoff * time.Duration(attempt)
		s.logger.Warn("transfer attempt failed, retrying",
			"account_id", req.FromAccountID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if err := sleep(ctx, backoff); err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
		}
	}
}

func (s *TransactionService) transferOnce(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := s.accounts.Ensure(ctx, req.FromAccountID); err != nil {
		return nil, err
	}

	tx, created, err := s.store.Apply(ctx, req.FromAccountID, req.Reference, func(balance int64) (*models.Transaction, error) {
		if balance < req.Amount {
			return nil, fmt.Errorf("%w: balance %d, requested %d", ledger.ErrInsufficientFunds, balance, req.Amount)
		}
		return &models.Transaction{
			ID:               uuid.NewString(),
			ToLabel:          req.ToLabel,
			ToPhotoURL:       req.ToPhotoURL,
			Amount:           req.Amount,
			ResultingBalance: balance - req.Amount,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	return &TransferResult{
		Transaction: tx,
		NewBalance:  tx.ResultingBalance,
		Replayed:    !created,
	}, nil
}

// publish is best effort; the transfer is already committed.
func (s *TransactionService) publish(ctx context.Context, tx *models.Transaction) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTransfer(ctx, models.NewTransferEvent(tx)); err != nil {
		s.logger.Error("failed to publish transfer event", "transaction_id", tx.ID, "error", err)
	}
}

// RecentTransactions returns the newest transactions first, optionally for
// one payer.
func (s *TransactionService) RecentTransactions(ctx context.Context, q models.TransactionQuery) ([]*models.Transaction, error) {
	q.AccountID = strings.TrimSpace(q.AccountID)
	if q.AccountID != "" {
		if err := ledger.ValidateAccountID(q.AccountID); err != nil {
			return nil, err
		}
	}
	q.Limit = min(ledger.NormalizeLimit(q.Limit), MaxRecentLimit)

	txs, err := s.store.Recent(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	return txs, nil
}

func validateTransfer(req TransferRequest) error {
	var problems []string
	if req.FromAccountID == "" {
		problems = append(problems, "fromAccountId is required")
	} else if err := ledger.ValidateAccountID(req.FromAccountID); err != nil {
		problems = append(problems, "fromAccountId must be printable and at most 128 bytes")
	}
	if req.ToLabel == "" {
		problems = append(problems, "toName is required")
	}
	if req.Amount <= 0 {
		problems = append(problems, "amount must be greater than zero")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
