package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/abkawan/sendmoney-ledger/internal/ledger"
)

// AccountOptions controls how unknown accounts are treated.
type AccountOptions struct {
	// DefaultBalance seeds an account the first time it is seen.
	DefaultBalance int64
	// AutoProvision enables lazy seeding. When false only accounts created
	// through SetBalance exist.
	AutoProvision bool
}

// handles account operations
type AccountService struct {
	store  ledger.Store
	opts   AccountOptions
	logger *slog.Logger
}

// creates a new Account Service
func NewAccountService(store ledger.Store, opts AccountOptions, logger *slog.Logger) *AccountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{
		store:  store,
		opts:   opts,
		logger: logger,
	}
}

// GetBalance returns the current balance, seeding the account first when
// auto provisioning is on.
func (s *AccountService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	accountID = strings.TrimSpace(accountID)
	if err := ledger.ValidateAccountID(accountID); err != nil {
		return 0, err
	}
	if err := s.Ensure(ctx, accountID); err != nil {
		return 0, err
	}

	balance, err := s.store.Balance(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// SetBalance replaces the stored balance of an account.
func (s *AccountService) SetBalance(ctx context.Context, accountID string, balance int64) error {
	accountID = strings.TrimSpace(accountID)
	if err := ledger.ValidateAccountID(accountID); err != nil {
		return err
	}
	// Validate balance
	if balance < 0 {
		return fmt.Errorf("%w: got %d", ledger.ErrInvalidState, balance)
	}

	if err := s.store.SetBalance(ctx, accountID, balance); err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	s.logger.Info("balance set", "account_id", accountID, "balance", balance)
	return nil
}

// Ensure creates accountID with the default balance if auto provisioning is
// enabled. It never touches an existing record.
func (s *AccountService) Ensure(ctx context.Context, accountID string) error {
	if !s.opts.AutoProvision {
		return nil
	}
	if err := s.store.EnsureAccount(ctx, accountID, s.opts.DefaultBalance); err != nil {
		return fmt.Errorf("failed to provision account: %w", err)
	}
	return nil
}
