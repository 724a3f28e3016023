package db

import (
	"context"
	"fmt"

	"github.com/abkawan/sendmoney-ledger/internal/config"
	"github.com/abkawan/sendmoney-ledger/internal/ledger"
)

// Open connects the ledger store selected by cfg.Backend and prepares its schema.
func Open(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendBolt:
		store, err := NewBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendPostgres:
		store, err := NewPostgres(cfg.PostgresURI)
		if err != nil {
			return nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close(ctx)
			return nil, err
		}
		return store, nil
	case config.BackendMongo:
		store, err := NewMongoDB(cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

var (
	_ ledger.Store = (*Memory)(nil)
	_ ledger.Store = (*Bolt)(nil)
	_ ledger.Store = (*Postgres)(nil)
	_ ledger.Store = (*MongoDB)(nil)
)
