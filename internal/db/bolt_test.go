package db_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/abkawan/sendmoney-ledger/internal/db"
	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/ledger/ledgertest"
	"github.com/abkawan/sendmoney-ledger/internal/models"
)

func newTestBolt(t *testing.T, path string) *db.Bolt {
	t.Helper()
	s, err := db.NewBolt(path)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestBoltStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return newTestBolt(t, filepath.Join(t.TempDir(), "ledger.db"))
	})
}

func TestBoltSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := db.NewBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureAccount(ctx, "demoUser", 100000); err != nil {
		t.Fatal(err)
	}
	first, _, err := s.Apply(ctx, "demoUser", "ref-1", ledgertest.Debit("demoUser", "Amit Sharma", 2500))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}

	reopened := newTestBolt(t, path)
	if got, err := reopened.Balance(ctx, "demoUser"); err != nil || got != 97500 {
		t.Fatalf("balance=%d err=%v want 97500", got, err)
	}
	replay, created, err := reopened.Apply(ctx, "demoUser", "ref-1", ledgertest.Debit("demoUser", "Amit Sharma", 2500))
	if err != nil || created || replay.ID != first.ID {
		t.Fatalf("reference lost across reopen: created=%v err=%v", created, err)
	}

	second, _, err := reopened.Apply(ctx, "demoUser", "", ledgertest.Debit("demoUser", "Priya Singh", 500))
	if err != nil {
		t.Fatal(err)
	}
	if second.Timestamp.Before(first.Timestamp) || second.Seq <= first.Seq {
		t.Fatalf("ordering broken across reopen: first=%+v second=%+v", first, second)
	}
	txs, err := reopened.Recent(ctx, models.TransactionQuery{Limit: 10})
	if err != nil || len(txs) != 2 || txs[0].ID != second.ID {
		t.Fatalf("recent=%v err=%v", txs, err)
	}
}

func TestBoltKeepsAccountsApart(t *testing.T) {
	ctx := context.Background()
	s := newTestBolt(t, filepath.Join(t.TempDir(), "ledger.db"))

	// "a" followed by reference "b\x00x" used to share index keys with
	// account "a\x00b" and reference "x".
	for _, id := range []string{"a", "a\x00b"} {
		if err := s.EnsureAccount(ctx, id, 100); err != nil {
			t.Fatal(err)
		}
	}
	other, created, err := s.Apply(ctx, "a\x00b", "x", ledgertest.Debit("a\x00b", "Amit Sharma", 7))
	if err != nil || !created {
		t.Fatalf("first apply: created=%v err=%v", created, err)
	}

	mine, created, err := s.Apply(ctx, "a", "b\x00x", ledgertest.Debit("a", "Priya Singh", 5))
	if err != nil {
		t.Fatal(err)
	}
	if !created || mine.ID == other.ID || mine.FromAccountID != "a" {
		t.Fatalf("apply replayed another account: created=%v tx=%+v", created, mine)
	}
	if got, err := s.Balance(ctx, "a"); err != nil || got != 95 {
		t.Fatalf("balance=%d err=%v want 95", got, err)
	}

	txs, err := s.Recent(ctx, models.TransactionQuery{AccountID: "a", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].ID != mine.ID {
		t.Fatalf("history for a = %+v, want only %s", txs, mine.ID)
	}
	txs, err = s.Recent(ctx, models.TransactionQuery{AccountID: "a\x00b", Limit: 10})
	if err != nil || len(txs) != 1 || txs[0].ID != other.ID {
		t.Fatalf("history for a\\x00b = %+v err=%v", txs, err)
	}
}
