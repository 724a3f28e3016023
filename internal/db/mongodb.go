package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.mongodb.org/mongo-driver/x/mongo/driver"

	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/models"
)

const (
	accountsCollection     = "accounts"
	transactionsCollection = "transactions"
	contactsCollection     = "contacts"
	eventsCollection       = "transfer_events"
	countersCollection     = "counters"

	// counter document shared by every transfer; holds the global sequence
	// and the last commit timestamp.
	transactionsCounter = "transactions"
)

// for handling MongoDB operations. Apply needs multi-document
// transactions, so the server must run as a replica set.
type MongoDB struct {
	client       *mongo.Client
	accounts     *mongo.Collection
	transactions *mongo.Collection
	contacts     *mongo.Collection
	events       *mongo.Collection
	counters     *mongo.Collection
	now          func() time.Time
}

// Stored transactions carry the timestamp in microseconds next to the BSON
// date, which only keeps milliseconds.
type txDocument struct {
	models.Transaction `bson:",inline"`
	TimestampMicros    int64 `bson:"ts_micros"`
}

type counterDocument struct {
	ID         string `bson:"_id"`
	Seq        int64  `bson:"seq"`
	LastMicros int64  `bson:"last_ts_micros"`
}

// creates a new MongoDB instance
func NewMongoDB(uri, dbName string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Mongodb: %w", err)
	}

	// pinging the database
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: failed to ping Mongodb: %v", ledger.ErrStoreUnavailable, err)
	}

	database := client.Database(dbName)
	m := &MongoDB{
		client:       client,
		accounts:     database.Collection(accountsCollection),
		transactions: database.Collection(transactionsCollection),
		contacts:     database.Collection(contactsCollection),
		events:       database.Collection(eventsCollection),
		counters:     database.Collection(countersCollection),
		now:          time.Now,
	}

	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "ts_micros", Value: -1}, {Key: "seq", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "from_account_id", Value: 1}, {Key: "ts_micros", Value: -1}, {Key: "seq", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "from_account_id", Value: 1}, {Key: "reference", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"reference": bson.M{"$type": "string"}}),
		},
	}

	if _, err = m.transactions.Indexes().CreateMany(ctx, indexModels); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	if _, err = m.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "from_account_id", Value: 1}, {Key: "timestamp", Value: -1}},
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return m, nil
}

// closes the mongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoDB) Ping(ctx context.Context) error {
	return mongoErr(m.client.Ping(ctx, nil))
}

// Drop removes every ledger collection. Used by tests and cmd/seed --reset.
func (m *MongoDB) Drop(ctx context.Context) error {
	for _, c := range []*mongo.Collection{m.accounts, m.transactions, m.contacts, m.events, m.counters} {
		if err := c.Drop(ctx); err != nil {
			return fmt.Errorf("failed to drop %s: %w", c.Name(), mongoErr(err))
		}
	}
	return nil
}

func (m *MongoDB) EnsureAccount(ctx context.Context, accountID string, balance int64) error {
	if balance < 0 {
		return ledger.ErrInvalidState
	}
	_, err := m.accounts.UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$setOnInsert": bson.M{"balance": balance}},
		options.Update().SetUpsert(true),
	)
	// two concurrent upserts on a missing _id can race; the loser sees a
	// duplicate key and the record exists either way
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to ensure account: %w", mongoErr(err))
	}
	return nil
}

func (m *MongoDB) Balance(ctx context.Context, accountID string) (int64, error) {
	var account models.Account
	err := m.accounts.FindOne(ctx, bson.M{"_id": accountID}).Decode(&account)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ledger.ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to get balance: %w", mongoErr(err))
	}
	return account.Balance, nil
}

func (m *MongoDB) SetBalance(ctx context.Context, accountID string, balance int64) error {
	if balance < 0 {
		return ledger.ErrInvalidState
	}
	_, err := m.accounts.UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$set": bson.M{"balance": balance}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", mongoErr(err))
	}
	return nil
}

// Apply runs fn inside a snapshot transaction. Concurrent writers on the
// same account, or on the shared counter, abort with a write conflict and
// the driver retries the whole callback.
func (m *MongoDB) Apply(ctx context.Context, accountID, reference string, fn ledger.ApplyFunc) (*models.Transaction, bool, error) {
	sess, err := m.client.StartSession()
	if err != nil {
		return nil, false, fmt.Errorf("failed to start session: %w", mongoErr(err))
	}
	defer sess.EndSession(ctx)

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	type outcome struct {
		tx      *models.Transaction
		created bool
	}

	res, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var account models.Account
		if err := m.accounts.FindOne(sc, bson.M{"_id": accountID}).Decode(&account); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, ledger.ErrAccountNotFound
			}
			return nil, err
		}

		if reference != "" {
			var existing txDocument
			err := m.transactions.FindOne(sc, bson.M{"from_account_id": accountID, "reference": reference}).Decode(&existing)
			if err == nil {
				return outcome{tx: existing.restore(), created: false}, nil
			}
			if !errors.Is(err, mongo.ErrNoDocuments) {
				return nil, err
			}
		}

		rec, err := fn(account.Balance)
		if err != nil {
			return nil, err
		}
		if err := checkCommit(rec, account.Balance); err != nil {
			return nil, err
		}

		var counter counterDocument
		err = m.counters.FindOneAndUpdate(sc,
			bson.M{"_id": transactionsCounter},
			bson.M{"$inc": bson.M{"seq": int64(1)}},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&counter)
		if err != nil {
			return nil, err
		}

		rec.FromAccountID = accountID
		rec.Reference = reference
		rec.Seq = counter.Seq
		rec.Timestamp = ledger.CommitTime(time.UnixMicro(counter.LastMicros), m.now())
		micros := rec.Timestamp.UnixMicro()

		if _, err := m.counters.UpdateOne(sc,
			bson.M{"_id": transactionsCounter},
			bson.M{"$max": bson.M{"last_ts_micros": micros}},
		); err != nil {
			return nil, err
		}

		if _, err := m.transactions.InsertOne(sc, txDocument{Transaction: *rec, TimestampMicros: micros}); err != nil {
			return nil, err
		}

		// Update balance
		if _, err := m.accounts.UpdateOne(sc,
			bson.M{"_id": accountID},
			bson.M{"$set": bson.M{"balance": rec.ResultingBalance}},
		); err != nil {
			return nil, err
		}

		return outcome{tx: rec, created: true}, nil
	}, txnOpts)
	if err != nil {
		if isLedgerError(err) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to apply transfer: %w", mongoErr(err))
	}

	out := res.(outcome)
	return out.tx, out.created, nil
}

func (m *MongoDB) Recent(ctx context.Context, q models.TransactionQuery) ([]*models.Transaction, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "ts_micros", Value: -1}, {Key: "seq", Value: -1}}).
		SetLimit(int64(ledger.NormalizeLimit(q.Limit)))

	filter := bson.M{}
	if q.AccountID != "" {
		filter["from_account_id"] = q.AccountID
	}

	cursor, err := m.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find transactions: %w", mongoErr(err))
	}
	defer cursor.Close(ctx)

	var docs []txDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", mongoErr(err))
	}

	transactions := make([]*models.Transaction, 0, len(docs))
	for i := range docs {
		transactions = append(transactions, docs[i].restore())
	}
	return transactions, nil
}

// ListContacts returns the contact directory ordered by name.
func (m *MongoDB) ListContacts(ctx context.Context) ([]models.Contact, error) {
	cursor, err := m.contacts.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to find contacts: %w", mongoErr(err))
	}
	defer cursor.Close(ctx)

	contacts := []models.Contact{}
	if err := cursor.All(ctx, &contacts); err != nil {
		return nil, fmt.Errorf("failed to decode contacts: %w", mongoErr(err))
	}
	return contacts, nil
}

// SeedContacts inserts contacts only when the directory is empty. It
// reports whether anything was written.
func (m *MongoDB) SeedContacts(ctx context.Context, contacts []models.Contact) (bool, error) {
	n, err := m.contacts.EstimatedDocumentCount(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count contacts: %w", mongoErr(err))
	}
	if n > 0 || len(contacts) == 0 {
		return false, nil
	}

	docs := make([]interface{}, len(contacts))
	for i := range contacts {
		docs[i] = contacts[i]
	}
	_, err = m.contacts.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("failed to insert contacts: %w", mongoErr(err))
	}
	return true, nil
}

// RecordTransferEvent stores a delivered transfer event. Redelivery of the
// same event overwrites the earlier copy.
func (m *MongoDB) RecordTransferEvent(ctx context.Context, event models.TransferEvent) error {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = m.now().UTC()
	}
	_, err := m.events.ReplaceOne(ctx,
		bson.M{"_id": event.TransactionID},
		event,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to record transfer event: %w", mongoErr(err))
	}
	return nil
}

func (d *txDocument) restore() *models.Transaction {
	tx := d.Transaction
	tx.Timestamp = time.UnixMicro(d.TimestampMicros).UTC()
	return &tx
}

func isLedgerError(err error) bool {
	for _, target := range []error{
		ledger.ErrAccountNotFound, ledger.ErrInsufficientFunds, ledger.ErrInvalidInput,
		ledger.ErrInvalidState, ledger.ErrConflict, ledger.ErrStoreUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// mongoErr maps driver failures onto the ledger taxonomy.
func mongoErr(err error) error {
	if err == nil {
		return nil
	}
	var labeled mongo.LabeledError
	switch {
	case mongo.IsNetworkError(err), mongo.IsTimeout(err),
		errors.Is(err, mongo.ErrClientDisconnected), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	case errors.As(err, &labeled) && labeled.HasErrorLabel(driver.TransientTransactionError):
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	}
	return err
}
