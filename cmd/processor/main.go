package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/abkawan/sendmoney-ledger/internal/config"
	"github.com/abkawan/sendmoney-ledger/internal/db"
	"github.com/abkawan/sendmoney-ledger/internal/logging"
	"github.com/abkawan/sendmoney-ledger/internal/models"
	"github.com/abkawan/sendmoney-ledger/internal/queue"
)

// processor copies every committed transfer from the transfers queue into
// the MongoDB transfer_events collection.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)

	if cfg.Queue.RabbitMQURI == "" || cfg.Ledger.MongoURI == "" {
		logger.Error("processor needs RABBITMQ_URI and MONGO_URI")
		os.Exit(1)
	}

	// Connect to MongoDB
	logger.Info("connecting to mongodb")
	mongodb, err := db.NewMongoDB(cfg.Ledger.MongoURI, cfg.Ledger.MongoDBName)
	if err != nil {
		logger.Error("failed to connect to mongodb", "error", err)
		os.Exit(1)
	}
	defer mongodb.Close(context.Background())

	// Connect to RabbitMQ
	logger.Info("connecting to rabbitmq")
	rabbitmq, err := queue.NewRabbitMQ(cfg.Queue.RabbitMQURI, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer rabbitmq.Close()

	logger.Info("transfer processor started", "queue", queue.TransferQueue)
	err = rabbitmq.ConsumeTransfers(ctx, func(ctx context.Context, event models.TransferEvent) error {
		if err := mongodb.RecordTransferEvent(ctx, event); err != nil {
			return err
		}
		logger.Info("recorded transfer event",
			"transaction_id", event.TransactionID,
			"account_id", event.FromAccountID,
			"amount", event.Amount,
		)
		return nil
	})
	if err != nil {
		logger.Error("transfer processor stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("processor shut down")
}
