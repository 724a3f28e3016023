package db

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/models"
)

var (
	accountsBucket     = []byte("accounts")
	transactionsBucket = []byte("transactions")
	accountTxBucket    = []byte("account_transactions")
	referencesBucket   = []byte("references")
	metaBucket         = []byte("meta")

	lastTimestampKey = []byte("last_timestamp")
)

// Bolt is a ledger store kept in a single BoltDB file. Bolt serializes
// write transactions, so every Apply is atomic and the transaction log is
// appended in commit order.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

type boltAccount struct {
	Balance int64 `json:"balance"`
}

// NewBolt opens (or creates) the database at path and ensures its buckets exist.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open bolt database: %v", ledger.ErrStoreUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{accountsBucket, transactionsBucket, accountTxBucket, referencesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Bolt{db: db, now: time.Now}, nil
}

// Close releases the database file lock.
func (b *Bolt) Close(context.Context) error {
	return b.db.Close()
}

// Ping checks that the database is still open.
func (b *Bolt) Ping(context.Context) error {
	return boltErr(b.db.View(func(*bolt.Tx) error { return nil }))
}

// EnsureAccount creates the account with balance if it has no record.
func (b *Bolt) EnsureAccount(ctx context.Context, accountID string, balance int64) error {
	if balance < 0 {
		return ledger.ErrInvalidState
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return boltErr(b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(accountsBucket)
		if bucket.Get([]byte(accountID)) != nil {
			return nil
		}
		return putAccount(bucket, accountID, boltAccount{Balance: balance})
	}))
}

// Balance returns the current balance of accountID.
func (b *Bolt) Balance(ctx context.Context, accountID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	var acct boltAccount
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		acct, err = getAccount(tx.Bucket(accountsBucket), accountID)
		return err
	})
	if err != nil {
		return 0, boltErr(err)
	}
	return acct.Balance, nil
}

// SetBalance replaces the balance of accountID, creating it if needed.
func (b *Bolt) SetBalance(ctx context.Context, accountID string, balance int64) error {
	if balance < 0 {
		return ledger.ErrInvalidState
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return boltErr(b.db.Update(func(tx *bolt.Tx) error {
		return putAccount(tx.Bucket(accountsBucket), accountID, boltAccount{Balance: balance})
	}))
}

// Apply runs fn and commits its transaction in a single bolt write transaction.
func (b *Bolt) Apply(ctx context.Context, accountID, reference string, fn ledger.ApplyFunc) (*models.Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}

	var result models.Transaction
	created := false

	err := b.db.Update(func(tx *bolt.Tx) error {
		accounts := tx.Bucket(accountsBucket)
		txs := tx.Bucket(transactionsBucket)
		refs := tx.Bucket(referencesBucket)

		acct, err := getAccount(accounts, accountID)
		if err != nil {
			return err
		}

		if reference != "" {
			if stored := refs.Get(referenceKey(accountID, reference)); stored != nil {
				return json.Unmarshal(txs.Get(stored), &result)
			}
		}

		rec, err := fn(acct.Balance)
		if err != nil {
			return err
		}
		if err := checkCommit(rec, acct.Balance); err != nil {
			return err
		}

		seq, err := txs.NextSequence()
		if err != nil {
			return err
		}
		meta := tx.Bucket(metaBucket)
		var last time.Time
		if raw := meta.Get(lastTimestampKey); raw != nil {
			if err := last.UnmarshalBinary(raw); err != nil {
				return err
			}
		}

		rec.FromAccountID = accountID
		rec.Reference = reference
		rec.Seq = int64(seq)
		rec.Timestamp = ledger.CommitTime(last, b.now())

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := seqKey(seq)
		if err := txs.Put(key, data); err != nil {
			return err
		}
		if err := tx.Bucket(accountTxBucket).Put(append(accountPrefix(accountID), key...), nil); err != nil {
			return err
		}
		if reference != "" {
			if err := refs.Put(referenceKey(accountID, reference), key); err != nil {
				return err
			}
		}
		stamp, err := rec.Timestamp.MarshalBinary()
		if err != nil {
			return err
		}
		if err := meta.Put(lastTimestampKey, stamp); err != nil {
			return err
		}
		if err := putAccount(accounts, accountID, boltAccount{Balance: rec.ResultingBalance}); err != nil {
			return err
		}

		result = *rec
		created = true
		return nil
	})
	if err != nil {
		return nil, false, boltErr(err)
	}
	return &result, created, nil
}

// Recent walks the log backwards from the newest entry. Timestamps are
// assigned under bolt's single writer, so key order is timestamp order.
func (b *Bolt) Recent(ctx context.Context, q models.TransactionQuery) ([]*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	limit := ledger.NormalizeLimit(q.Limit)
	out := []*models.Transaction{}

	err := b.db.View(func(tx *bolt.Tx) error {
		txs := tx.Bucket(transactionsBucket)
		decode := func(v []byte) error {
			var rec models.Transaction
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		}

		if q.AccountID == "" {
			c := txs.Cursor()
			for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
				if err := decode(v); err != nil {
					return err
				}
			}
			return nil
		}

		prefix := accountPrefix(q.AccountID)
		c := tx.Bucket(accountTxBucket).Cursor()
		k, _ := c.Seek(append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xff}, 8)...))
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, _ = c.Prev() {
			if err := decode(txs.Get(k[len(prefix):])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return out, nil
}

func getAccount(bucket *bolt.Bucket, accountID string) (boltAccount, error) {
	var acct boltAccount
	raw := bucket.Get([]byte(accountID))
	if raw == nil {
		return acct, ledger.ErrAccountNotFound
	}
	err := json.Unmarshal(raw, &acct)
	return acct, err
}

func putAccount(bucket *bolt.Bucket, accountID string, acct boltAccount) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(accountID), data)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// accountPrefix is the id length as a uvarint followed by the id. Length
// prefixes keep the set of prefixes prefix-free, whatever bytes the id holds.
func accountPrefix(accountID string) []byte {
	key := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(accountID)), uint64(len(accountID)))
	return append(key, accountID...)
}

func referenceKey(accountID, reference string) []byte {
	return append(accountPrefix(accountID), reference...)
}

// boltErr maps bolt's own failures onto the ledger taxonomy and passes
// everything else through.
func boltErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bolt.ErrDatabaseNotOpen), errors.Is(err, bolt.ErrTimeout):
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	default:
		return err
	}
}
