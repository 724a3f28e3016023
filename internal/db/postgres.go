package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/models"
)

// Postgres handles PostgreSQL ledger operations
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// creates a new Postgres instance
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping postgres: %v", ledger.ErrStoreUnavailable, err)
	}
	return &Postgres{db: db, now: time.Now}, nil
}

// closes the database connection
func (p *Postgres) Close(context.Context) error {
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return pgErr(p.db.PingContext(ctx))
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id VARCHAR(128) PRIMARY KEY,
	balance BIGINT NOT NULL CHECK (balance >= 0),
	last_tx_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	seq BIGSERIAL PRIMARY KEY,
	id VARCHAR(64) NOT NULL UNIQUE,
	from_account_id VARCHAR(128) NOT NULL REFERENCES accounts (id),
	to_label TEXT NOT NULL,
	to_photo_url TEXT NOT NULL DEFAULT '',
	amount BIGINT NOT NULL CHECK (amount > 0),
	resulting_balance BIGINT NOT NULL CHECK (resulting_balance >= 0),
	reference VARCHAR(255),
	created_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS transactions_reference_idx
	ON transactions (from_account_id, reference) WHERE reference IS NOT NULL;
CREATE INDEX IF NOT EXISTS transactions_recent_idx
	ON transactions (created_at DESC, seq DESC);
CREATE INDEX IF NOT EXISTS transactions_account_recent_idx
	ON transactions (from_account_id, created_at DESC, seq DESC);`

// initialize the database schema
func (p *Postgres) InitSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", pgErr(err))
	}
	return nil
}

// Truncate removes every account and transaction. Used by tests and cmd/seed --reset.
func (p *Postgres) Truncate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `TRUNCATE transactions, accounts RESTART IDENTITY`); err != nil {
		return fmt.Errorf("failed to truncate ledger: %w", pgErr(err))
	}
	return nil
}

func (p *Postgres) EnsureAccount(ctx context.Context, accountID string, balance int64) error {
	if balance < 0 {
		return ledger.ErrInvalidState
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		accountID, balance)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", pgErr(err))
	}
	return nil
}

func (p *Postgres) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ledger.ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to get balance: %w", pgErr(err))
	}
	return balance, nil
}

func (p *Postgres) SetBalance(ctx context.Context, accountID string, balance int64) error {
	if balance < 0 {
		return ledger.ErrInvalidState
	}
	_, err := p.db.ExecContext(ctx, `
	INSERT INTO accounts (id, balance) VALUES ($1, $2)
	ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()`,
		accountID, balance)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", pgErr(err))
	}
	return nil
}

// Apply locks the account row, runs fn and writes the new balance and the
// transaction row in the same database transaction.
func (p *Postgres) Apply(ctx context.Context, accountID, reference string, fn ledger.ApplyFunc) (result *models.Transaction, created bool, err error) {
	// Start a transaction
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", pgErr(err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Get current balance with row lock
	var balance int64
	var lastTx sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT balance, last_tx_at FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	).Scan(&balance, &lastTx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ledger.ErrAccountNotFound
		}
		return nil, false, fmt.Errorf("failed to get current balance: %w", pgErr(err))
	}

	if reference != "" {
		existing, err := scanTransaction(tx.QueryRowContext(ctx,
			selectTransactions+` WHERE from_account_id = $1 AND reference = $2`,
			accountID, reference))
		switch {
		case err == nil:
			if err := tx.Commit(); err != nil {
				return nil, false, fmt.Errorf("failed to commit transaction: %w", pgErr(err))
			}
			return existing, false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, false, fmt.Errorf("failed to look up reference: %w", pgErr(err))
		}
	}

	rec, err := fn(balance)
	if err != nil {
		return nil, false, err
	}
	if err = checkCommit(rec, balance); err != nil {
		return nil, false, err
	}
	rec.FromAccountID = accountID
	rec.Reference = reference
	rec.Timestamp = ledger.CommitTime(lastTx.Time, p.now())

	err = tx.QueryRowContext(ctx, `
	INSERT INTO transactions (id, from_account_id, to_label, to_photo_url, amount, resulting_balance, reference, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING seq`,
		rec.ID, rec.FromAccountID, rec.ToLabel, rec.ToPhotoURL, rec.Amount, rec.ResultingBalance,
		nullString(reference), rec.Timestamp,
	).Scan(&rec.Seq)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", pgErr(err))
	}

	// Update balance
	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, last_tx_at = $2, updated_at = now() WHERE id = $3`,
		rec.ResultingBalance, rec.Timestamp, accountID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update balance: %w", pgErr(err))
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", pgErr(err))
	}

	return rec, true, nil
}

const selectTransactions = `
	SELECT seq, id, from_account_id, to_label, to_photo_url, amount, resulting_balance, reference, created_at
	FROM transactions`

func (p *Postgres) Recent(ctx context.Context, q models.TransactionQuery) ([]*models.Transaction, error) {
	limit := ledger.NormalizeLimit(q.Limit)

	var (
		rows *sql.Rows
		err  error
	)
	if q.AccountID == "" {
		rows, err = p.db.QueryContext(ctx,
			selectTransactions+` ORDER BY created_at DESC, seq DESC LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx,
			selectTransactions+` WHERE from_account_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
			q.AccountID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transactions: %w", pgErr(err))
	}
	defer rows.Close()

	transactions := []*models.Transaction{}
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", pgErr(err))
		}
		transactions = append(transactions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", pgErr(err))
	}
	return transactions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var rec models.Transaction
	var reference sql.NullString
	err := row.Scan(&rec.Seq, &rec.ID, &rec.FromAccountID, &rec.ToLabel, &rec.ToPhotoURL,
		&rec.Amount, &rec.ResultingBalance, &reference, &rec.Timestamp)
	if err != nil {
		return nil, err
	}
	rec.Reference = reference.String
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// pgErr maps driver failures onto the ledger taxonomy.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505", "55P03":
			// serialization failure, deadlock, duplicate key, lock not available
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		case "23514":
			return fmt.Errorf("%w: %v", ledger.ErrInvalidState, err)
		}
		if pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57" {
			return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return err
}
