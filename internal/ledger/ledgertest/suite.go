// Package ledgertest holds the conformance suite every ledger.Store
// implementation runs from its own tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/models"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) ledger.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"EnsureAccountKeepsExistingBalance", testEnsureAccount},
		{"BalanceOfUnknownAccount", testBalanceMissing},
		{"SetBalance", testSetBalance},
		{"ApplyCommitsBalanceAndTransaction", testApplyCommits},
		{"ApplyAbortLeavesNoTrace", testApplyAbort},
		{"ApplyUnknownAccount", testApplyMissing},
		{"ApplyReplaysReference", testApplyReference},
		{"RecentOrdering", testRecentOrdering},
		{"ConcurrentDrainSameAccount", testConcurrentSameAccount},
		{"ConcurrentDifferentAccounts", testConcurrentAccounts},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// Debit returns an ApplyFunc that withdraws amount for toLabel, failing with
// ErrInsufficientFunds when the balance is too low.
func Debit(accountID, toLabel string, amount int64) ledger.ApplyFunc {
	return func(balance int64) (*models.Transaction, error) {
		if balance < amount {
			return nil, ledger.ErrInsufficientFunds
		}
		return &models.Transaction{
			ID:               uuid.NewString(),
			FromAccountID:    accountID,
			ToLabel:          toLabel,
			Amount:           amount,
			ResultingBalance: balance - amount,
		}, nil
	}
}

func mustBalance(t *testing.T, s ledger.Store, id string) int64 {
	t.Helper()
	b, err := s.Balance(context.Background(), id)
	if err != nil {
		t.Fatalf("Balance(%s) err=%v", id, err)
	}
	return b
}

func mustRecent(t *testing.T, s ledger.Store, q models.TransactionQuery) []*models.Transaction {
	t.Helper()
	txs, err := s.Recent(context.Background(), q)
	if err != nil {
		t.Fatalf("Recent err=%v", err)
	}
	return txs
}

func testEnsureAccount(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	if err := s.EnsureAccount(ctx, "acct-1", 100); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureAccount(ctx, "acct-1", 500); err != nil {
		t.Fatal(err)
	}
	if got := mustBalance(t, s, "acct-1"); got != 100 {
		t.Fatalf("balance=%d want=100", got)
	}
}

func testBalanceMissing(t *testing.T, s ledger.Store) {
	if _, err := s.Balance(context.Background(), "ghost"); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("want ErrAccountNotFound, got %v", err)
	}
}

func testSetBalance(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	if err := s.SetBalance(ctx, "acct-1", 700); err != nil {
		t.Fatal(err)
	}
	if got := mustBalance(t, s, "acct-1"); got != 700 {
		t.Fatalf("balance=%d want=700", got)
	}
	if err := s.SetBalance(ctx, "acct-1", -1); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("want ErrInvalidState, got %v", err)
	}
	if got := mustBalance(t, s, "acct-1"); got != 700 {
		t.Fatalf("balance=%d want=700 after rejected set", got)
	}
}

func testApplyCommits(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	if err := s.EnsureAccount(ctx, "demoUser", 100000); err != nil {
		t.Fatal(err)
	}
	tx, created, err := s.Apply(ctx, "demoUser", "", Debit("demoUser", "Amit Sharma", 2500))
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	if tx.ResultingBalance != 97500 || tx.Timestamp.IsZero() {
		t.Fatalf("unexpected tx: %+v", tx)
	}
	if got := mustBalance(t, s, "demoUser"); got != 97500 {
		t.Fatalf("balance=%d want=97500", got)
	}

	txs := mustRecent(t, s, models.TransactionQuery{Limit: 10})
	if len(txs) != 1 {
		t.Fatalf("len=%d want=1", len(txs))
	}
	got := txs[0]
	if got.ID != tx.ID || got.Amount != 2500 || got.ResultingBalance != 97500 ||
		got.ToLabel != "Amit Sharma" || got.FromAccountID != "demoUser" {
		t.Fatalf("stored tx mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(tx.Timestamp) {
		t.Fatalf("timestamp mismatch: stored=%v returned=%v", got.Timestamp, tx.Timestamp)
	}
}

func testApplyAbort(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	if err := s.EnsureAccount(ctx, "acct-1", 100); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.Apply(ctx, "acct-1", "", Debit("acct-1", "X", 200000))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	if got := mustBalance(t, s, "acct-1"); got != 100 {
		t.Fatalf("balance=%d want=100", got)
	}
	if txs := mustRecent(t, s, models.TransactionQuery{Limit: 10}); len(txs) != 0 {
		t.Fatalf("expected empty log, got %d", len(txs))
	}
}

func testApplyMissing(t *testing.T, s ledger.Store) {
	called := false
	_, _, err := s.Apply(context.Background(), "ghost", "", func(int64) (*models.Transaction, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("want ErrAccountNotFound, got %v", err)
	}
	if called {
		t.Fatal("fn must not run for a missing account")
	}
}

func testApplyReference(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for _, id := range []string{"acct-1", "acct-2"} {
		if err := s.EnsureAccount(ctx, id, 1000); err != nil {
			t.Fatal(err)
		}
	}

	first, created, err := s.Apply(ctx, "acct-1", "ref-1", Debit("acct-1", "X", 100))
	if err != nil || !created {
		t.Fatalf("first apply: created=%v err=%v", created, err)
	}
	var calls int32
	again, created, err := s.Apply(ctx, "acct-1", "ref-1", func(b int64) (*models.Transaction, error) {
		atomic.AddInt32(&calls, 1)
		return Debit("acct-1", "X", 100)(b)
	})
	if err != nil {
		t.Fatal(err)
	}
	if created || calls != 0 {
		t.Fatalf("replay must not create: created=%v calls=%d", created, calls)
	}
	if again.ID != first.ID || again.ResultingBalance != 900 {
		t.Fatalf("replay returned %+v want %+v", again, first)
	}
	if got := mustBalance(t, s, "acct-1"); got != 900 {
		t.Fatalf("balance=%d want=900", got)
	}

	// references are scoped to the payer
	other, created, err := s.Apply(ctx, "acct-2", "ref-1", Debit("acct-2", "X", 100))
	if err != nil || !created || other.ID == first.ID {
		t.Fatalf("other payer: created=%v err=%v", created, err)
	}
}

func testRecentOrdering(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for _, id := range []string{"acct-1", "acct-2"} {
		if err := s.EnsureAccount(ctx, id, 1000); err != nil {
			t.Fatal(err)
		}
	}

	var ids []string
	for i, acct := range []string{"acct-1", "acct-2", "acct-1"} {
		tx, _, err := s.Apply(ctx, acct, "", Debit(acct, fmt.Sprintf("T%d", i+1), 10))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, tx.ID)
	}

	txs := mustRecent(t, s, models.TransactionQuery{Limit: 2})
	if len(txs) != 2 || txs[0].ID != ids[2] || txs[1].ID != ids[1] {
		t.Fatalf("want [T3 T2], got %v", labels(txs))
	}
	for i := 1; i < len(txs); i++ {
		if txs[i].Timestamp.After(txs[i-1].Timestamp) {
			t.Fatalf("not sorted by timestamp desc: %v", labels(txs))
		}
	}

	mine := mustRecent(t, s, models.TransactionQuery{AccountID: "acct-1", Limit: 10})
	if len(mine) != 2 || mine[0].ID != ids[2] || mine[1].ID != ids[0] {
		t.Fatalf("want [T3 T1] for acct-1, got %v", labels(mine))
	}
	if all := mustRecent(t, s, models.TransactionQuery{}); len(all) != 3 {
		t.Fatalf("default limit returned %d want 3", len(all))
	}
}

func testConcurrentSameAccount(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	const balance, workers = 5000, 16
	if err := s.EnsureAccount(ctx, "drain", balance); err != nil {
		t.Fatal(err)
	}

	var ok, insufficient int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, _, err := s.Apply(ctx, "drain", "", Debit("drain", "X", balance))
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ledger.ErrInsufficientFunds):
				atomic.AddInt32(&insufficient, 1)
			case ledger.IsRetryable(err):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 {
		t.Fatalf("successes=%d want 1 (insufficient=%d)", ok, insufficient)
	}
	if got := mustBalance(t, s, "drain"); got != 0 {
		t.Fatalf("balance=%d want 0", got)
	}
	if txs := mustRecent(t, s, models.TransactionQuery{AccountID: "drain", Limit: 100}); len(txs) != 1 {
		t.Fatalf("transactions=%d want 1", len(txs))
	}
}

func testConcurrentAccounts(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	const accounts, perAccount = 4, 5
	for i := 0; i < accounts; i++ {
		if err := s.EnsureAccount(ctx, fmt.Sprintf("acct-%d", i), 100); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < accounts; i++ {
		id := fmt.Sprintf("acct-%d", i)
		for j := 0; j < perAccount; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					_, _, err := s.Apply(ctx, id, "", Debit(id, "X", 10))
					if ledger.IsRetryable(err) {
						continue
					}
					if err != nil {
						t.Errorf("%s: %v", id, err)
					}
					return
				}
			}()
		}
	}
	wg.Wait()

	for i := 0; i < accounts; i++ {
		if got := mustBalance(t, s, fmt.Sprintf("acct-%d", i)); got != 100-10*perAccount {
			t.Fatalf("acct-%d balance=%d want=%d", i, got, 100-10*perAccount)
		}
	}
	if txs := mustRecent(t, s, models.TransactionQuery{Limit: 100}); len(txs) != accounts*perAccount {
		t.Fatalf("transactions=%d want=%d", len(txs), accounts*perAccount)
	}
}

func labels(txs []*models.Transaction) []string {
	out := make([]string, 0, len(txs))
	for _, tx := range txs {
		out = append(out, tx.ToLabel)
	}
	return out
}
