package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/abkawan/sendmoney-ledger/internal/config"
	"github.com/abkawan/sendmoney-ledger/internal/db"
	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/logging"
	"github.com/abkawan/sendmoney-ledger/internal/service"
)

// seed provisions the demo account and the sample contact directory in the
// configured backend.
func main() {
	account := flag.String("account", "demoUser", "account to provision")
	balance := flag.Int64("balance", 100000, "balance to set, in minor units")
	reset := flag.Bool("reset", false, "wipe the ledger before seeding (postgres and mongo only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := db.Open(ctx, cfg.Ledger)
	if err != nil {
		logger.Error("failed to open ledger store", "backend", cfg.Ledger.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close(context.Background())

	if *reset {
		if err := wipe(ctx, store); err != nil {
			logger.Error("failed to reset ledger", "error", err)
			os.Exit(1)
		}
		logger.Info("ledger reset", "backend", cfg.Ledger.Backend)
	}

	accounts := service.NewAccountService(store, service.AccountOptions{
		DefaultBalance: cfg.Ledger.DefaultBalance,
		AutoProvision:  cfg.Ledger.AutoProvision,
	}, logger)
	if err := accounts.SetBalance(ctx, *account, *balance); err != nil {
		logger.Error("failed to set balance", "account_id", *account, "error", err)
		os.Exit(1)
	}

	var directory service.ContactDirectory = db.NewMemoryContacts()
	if mongo, ok := store.(*db.MongoDB); ok {
		directory = mongo
	} else if cfg.Ledger.MongoURI != "" {
		mongo, err := db.NewMongoDB(cfg.Ledger.MongoURI, cfg.Ledger.MongoDBName)
		if err != nil {
			logger.Error("failed to connect to mongodb", "error", err)
			os.Exit(1)
		}
		defer mongo.Close(context.Background())
		directory = mongo
	} else {
		logger.Info("MONGO_URI not set, contacts are served from memory by the api")
	}

	if _, err := service.NewContactService(directory, logger).Seed(ctx); err != nil {
		logger.Error("failed to seed contacts", "error", err)
		os.Exit(1)
	}
	logger.Info("seed complete", "account_id", *account, "balance", *balance)
}

func wipe(ctx context.Context, store ledger.Store) error {
	switch s := store.(type) {
	case *db.Postgres:
		return s.Truncate(ctx)
	case *db.MongoDB:
		return s.Drop(ctx)
	default:
		return fmt.Errorf("reset is not supported for %T; remove the data file instead", store)
	}
}
