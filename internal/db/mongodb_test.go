package db_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abkawan/sendmoney-ledger/internal/db"
	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/ledger/ledgertest"
	"github.com/abkawan/sendmoney-ledger/internal/models"
)

// Needs a replica set for transactions, e.g.
// LEDGER_TEST_MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func newTestMongo(t *testing.T) *db.MongoDB {
	t.Helper()
	uri := os.Getenv("LEDGER_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("LEDGER_TEST_MONGO_URI not set")
	}
	ctx := context.Background()

	// every test gets its own database
	name := fmt.Sprintf("ledger_test_%s", uuid.NewString()[:8])
	store, err := db.NewMongoDB(uri, name)
	if err != nil {
		t.Fatalf("NewMongoDB: %v", err)
	}
	t.Cleanup(func() {
		store.Drop(ctx)
		store.Close(ctx)
	})
	return store
}

func TestMongoStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return newTestMongo(t) })
}

func TestMongoContacts(t *testing.T) {
	store := newTestMongo(t)
	ctx := context.Background()

	contacts := []models.Contact{
		{ID: "2", Name: "Priya Singh", PhotoURL: "https://randomuser.me/api/portraits/women/2.jpg"},
		{ID: "1", Name: "Amit Sharma", PhotoURL: "https://randomuser.me/api/portraits/men/1.jpg"},
	}
	seeded, err := store.SeedContacts(ctx, contacts)
	if err != nil || !seeded {
		t.Fatalf("SeedContacts = %v, %v; want true, nil", seeded, err)
	}
	seeded, err = store.SeedContacts(ctx, contacts[:1])
	if err != nil || seeded {
		t.Fatalf("second SeedContacts = %v, %v; want false, nil", seeded, err)
	}

	got, err := store.ListContacts(ctx)
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if len(got) != 2 || got[0].Name != "Amit Sharma" || got[1].PhotoURL != contacts[0].PhotoURL {
		t.Errorf("ListContacts = %+v", got)
	}
}

func TestMongoRecordTransferEventIsIdempotent(t *testing.T) {
	store := newTestMongo(t)
	ctx := context.Background()

	event := models.TransferEvent{
		TransactionID:    uuid.NewString(),
		FromAccountID:    "demoUser",
		ToLabel:          "Amit Sharma",
		Amount:           2500,
		ResultingBalance: 97500,
		Timestamp:        time.Now().UTC(),
	}
	for i := 0; i < 2; i++ {
		if err := store.RecordTransferEvent(ctx, event); err != nil {
			t.Fatalf("RecordTransferEvent #%d: %v", i+1, err)
		}
	}
}
