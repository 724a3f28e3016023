package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/models"
)

// Memory is an in-process ledger store. Each account has its own lock so
// transfers on different accounts run in parallel; the transaction log has
// a separate lock that is only held while a commit is appended.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*memoryAccount

	logMu  sync.RWMutex
	log    []*models.Transaction
	refs   map[refKey]*models.Transaction
	seq    int64
	lastTs time.Time

	now func() time.Time
}

type memoryAccount struct {
	mu      sync.RWMutex
	balance int64
}

type refKey struct {
	accountID string
	reference string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*memoryAccount),
		refs:     make(map[refKey]*models.Transaction),
		now:      time.Now,
	}
}

func (m *Memory) account(id string) (*memoryAccount, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	return a, ok
}

// EnsureAccount creates the account if it has no record.
func (m *Memory) EnsureAccount(_ context.Context, accountID string, balance int64) error {
	if balance < 0 {
		return ledger.ErrInvalidState
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		m.accounts[accountID] = &memoryAccount{balance: balance}
	}
	return nil
}

// Balance returns the current balance of accountID.
func (m *Memory) Balance(_ context.Context, accountID string) (int64, error) {
	a, ok := m.account(accountID)
	if !ok {
		return 0, ledger.ErrAccountNotFound
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.balance, nil
}

// SetBalance replaces the balance of accountID, creating it if needed.
func (m *Memory) SetBalance(_ context.Context, accountID string, balance int64) error {
	if balance < 0 {
		return ledger.ErrInvalidState
	}
	m.mu.Lock()
	a, ok := m.accounts[accountID]
	if !ok {
		m.accounts[accountID] = &memoryAccount{balance: balance}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = balance
	return nil
}

// Apply commits the transaction produced by fn while holding the account lock.
func (m *Memory) Apply(ctx context.Context, accountID, reference string, fn ledger.ApplyFunc) (*models.Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	a, ok := m.account(accountID)
	if !ok {
		return nil, false, ledger.ErrAccountNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if reference != "" {
		m.logMu.RLock()
		existing, found := m.refs[refKey{accountID, reference}]
		m.logMu.RUnlock()
		if found {
			cp := *existing
			return &cp, false, nil
		}
	}

	tx, err := fn(a.balance)
	if err != nil {
		return nil, false, err
	}
	if err := checkCommit(tx, a.balance); err != nil {
		return nil, false, err
	}
	tx.FromAccountID = accountID
	tx.Reference = reference

	m.logMu.Lock()
	m.seq++
	tx.Seq = m.seq
	tx.Timestamp = ledger.CommitTime(m.lastTs, m.now())
	m.lastTs = tx.Timestamp
	stored := *tx
	m.log = append(m.log, &stored)
	if reference != "" {
		m.refs[refKey{accountID, reference}] = &stored
	}
	a.balance = tx.ResultingBalance
	m.logMu.Unlock()

	cp := stored
	return &cp, true, nil
}

// Recent returns the newest transactions first. The log is appended in
// timestamp order, so walking it backwards is enough.
func (m *Memory) Recent(_ context.Context, q models.TransactionQuery) ([]*models.Transaction, error) {
	limit := ledger.NormalizeLimit(q.Limit)

	m.logMu.RLock()
	defer m.logMu.RUnlock()

	out := make([]*models.Transaction, 0, min(limit, len(m.log)))
	for i := len(m.log) - 1; i >= 0 && len(out) < limit; i-- {
		tx := m.log[i]
		if q.AccountID != "" && tx.FromAccountID != q.AccountID {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close(context.Context) error { return nil }

// checkCommit validates the transaction an ApplyFunc wants to commit.
func checkCommit(tx *models.Transaction, balance int64) error {
	if tx == nil {
		return fmt.Errorf("%w: nothing to commit", ledger.ErrInvalidState)
	}
	if tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ledger.ErrInvalidState)
	}
	if tx.ResultingBalance < 0 {
		return ledger.ErrInvalidState
	}
	if tx.Amount <= 0 || balance-tx.Amount != tx.ResultingBalance {
		return fmt.Errorf("%w: resulting balance %d does not match %d - %d",
			ledger.ErrInvalidState, tx.ResultingBalance, balance, tx.Amount)
	}
	return nil
}
