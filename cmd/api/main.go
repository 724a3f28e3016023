package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abkawan/sendmoney-ledger/internal/api"
	"github.com/abkawan/sendmoney-ledger/internal/config"
	"github.com/abkawan/sendmoney-ledger/internal/db"
	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/logging"
	"github.com/abkawan/sendmoney-ledger/internal/queue"
	"github.com/abkawan/sendmoney-ledger/internal/service"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	// Connect to the ledger store
	logger.Info("opening ledger store", "backend", cfg.Ledger.Backend)
	store, err := db.Open(ctx, cfg.Ledger)
	if err != nil {
		logger.Error("failed to open ledger store", "backend", cfg.Ledger.Backend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Warn("closing ledger store failed", "error", err)
		}
	}()

	contacts, closeContacts, err := contactDirectory(cfg, store, logger)
	if err != nil {
		logger.Error("failed to open contact directory", "error", err)
		os.Exit(1)
	}
	defer closeContacts()

	// Connect to RabbitMQ
	var publisher service.EventPublisher
	if cfg.Queue.RabbitMQURI != "" {
		logger.Info("connecting to rabbitmq")
		rabbitmq, err := queue.NewRabbitMQ(cfg.Queue.RabbitMQURI, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer rabbitmq.Close()
		publisher = rabbitmq
	} else {
		logger.Info("RABBITMQ_URI not set, transfer events disabled")
	}

	// Create services
	accountService := service.NewAccountService(store, service.AccountOptions{
		DefaultBalance: cfg.Ledger.DefaultBalance,
		AutoProvision:  cfg.Ledger.AutoProvision,
	}, logger)
	transactionService := service.NewTransactionService(store, accountService, publisher, service.TransactionOptions{
		MaxAttempts:  cfg.Transfer.MaxAttempts,
		RetryBackoff: cfg.Transfer.RetryBackoff,
	}, logger)
	contactService := service.NewContactService(contacts, logger)

	handler := api.NewHandler(logger, accountService, transactionService, contactService, store)
	router := api.NewRouter(logger, handler, cfg.HTTP.AllowedOrigins())

	// Create server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped unexpectedly", "error", err)
		}
	}

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("server shut down")
}

// contactDirectory reuses a MongoDB ledger store for contacts, connects to
// MONGO_URI when another backend holds the ledger, and falls back to memory.
func contactDirectory(cfg config.Config, store ledger.Store, logger *slog.Logger) (service.ContactDirectory, func(), error) {
	if mongo, ok := store.(*db.MongoDB); ok {
		return mongo, func() {}, nil
	}
	if cfg.Ledger.MongoURI == "" {
		return db.NewMemoryContacts(), func() {}, nil
	}

	logger.Info("connecting to mongodb for contacts")
	mongo, err := db.NewMongoDB(cfg.Ledger.MongoURI, cfg.Ledger.MongoDBName)
	if err != nil {
		return nil, nil, err
	}
	return mongo, func() {
		if err := mongo.Close(context.Background()); err != nil {
			logger.Warn("closing mongodb failed", "error", err)
		}
	}, nil
}
