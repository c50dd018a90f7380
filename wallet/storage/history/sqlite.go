// Package history persists a wallet's completed mint/melt/swap operations to
// a local SQLite database, independent of the bbolt proof/keyset store.
package history

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrations embed.FS

// Kind is the operation a Transaction row records.
type Kind string

const (
	Mint Kind = "mint"
	Melt Kind = "melt"
	Swap Kind = "swap"
)

// Transaction is one completed or failed mint/melt/swap operation.
type Transaction struct {
	Id        string
	Kind      Kind
	Mint      string
	QuoteId   string
	Amount    uint64
	Fee       uint64
	Unit      string
	State     string
	CreatedAt int64
	SettledAt int64
}

type SQLiteDB struct {
	db *sql.DB
}

// migrationsDir copies the embedded migration files to a temp directory,
// since migrate.New needs a filesystem path, not an embed.FS.
func migrationsDir() (string, error) {
	tempDir, err := os.MkdirTemp("", "wallet-history-migrations")
	if err != nil {
		return "", err
	}

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		src, err := migrations.Open(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return "", err
		}

		dst, err := os.Create(filepath.Join(tempDir, entry.Name()))
		if err != nil {
			src.Close()
			return "", err
		}

		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return "", err
		}
	}

	return tempDir, nil
}

// InitSQLite opens (or creates) the transaction history database under path.
func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "history.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	tempMigrationsDir, err := migrationsDir()
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempMigrationsDir)

	m, err := migrate.New(fmt.Sprintf("file://%s", tempMigrationsDir), fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// SaveTransaction inserts tx as a new row. Transactions are immutable once
// settled, so there is no update path.
func (s *SQLiteDB) SaveTransaction(tx Transaction) error {
	_, err := s.db.Exec(`
		INSERT INTO transactions
		(id, kind, mint, quote_id, amount, fee, unit, state, created_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.Id, string(tx.Kind), tx.Mint, tx.QuoteId, tx.Amount, tx.Fee, tx.Unit, tx.State, tx.CreatedAt, tx.SettledAt)
	return err
}

// GetTransactions returns every recorded transaction, most recent first.
func (s *SQLiteDB) GetTransactions() ([]Transaction, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, mint, quote_id, amount, fee, unit, state, created_at, settled_at
		FROM transactions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// GetTransactionsByMint returns the transactions recorded against mintURL,
// most recent first.
func (s *SQLiteDB) GetTransactionsByMint(mintURL string) ([]Transaction, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, mint, quote_id, amount, fee, unit, state, created_at, settled_at
		FROM transactions WHERE mint = ? ORDER BY created_at DESC
	`, mintURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]Transaction, error) {
	txs := []Transaction{}
	for rows.Next() {
		var tx Transaction
		var kind string
		var quoteId sql.NullString
		var settledAt sql.NullInt64
		if err := rows.Scan(&tx.Id, &kind, &tx.Mint, &quoteId, &tx.Amount, &tx.Fee, &tx.Unit, &tx.State,
			&tx.CreatedAt, &settledAt); err != nil {
			return nil, err
		}
		tx.Kind = Kind(kind)
		tx.QuoteId = quoteId.String
		tx.SettledAt = settledAt.Int64
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
