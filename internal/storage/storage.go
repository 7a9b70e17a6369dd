// Package storage provides the wallet ledger on SQLite: deposit addresses,
// hot and cold wallets, deposits and their collection state, withdrawals,
// crawl cursors and the internal transfer audit trail.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Storage provides persistent storage for the wallet daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
	now    func() time.Time
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "walletd.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// SetClock overrides the clock used for row timestamps.
func (s *Storage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Tx is a ledger transaction. Every read and write of the ledger goes through
// a Tx so that a worker tick either commits all of its effects or none.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	now time.Time
}

// Now is the timestamp the transaction stamps rows with.
func (t *Tx) Now() time.Time {
	return t.now
}

func (t *Tx) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Tx) query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t *Tx) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// InTx runs fn inside a database transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Calls must not be nested.
func (s *Storage) InTx(ctx context.Context, fn func(*Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{ctx: ctx, tx: sqlTx, now: s.now()}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Deposit addresses with their sealed private keys
	CREATE TABLE IF NOT EXISTS addresses (
		address TEXT NOT NULL,
		platform TEXT NOT NULL,
		wallet_id INTEGER NOT NULL,
		hd_path TEXT,
		secret TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (platform, address)
	);

	CREATE INDEX IF NOT EXISTS idx_addresses_wallet ON addresses(wallet_id, platform);

	-- One hot wallet per wallet and platform; collections are sent here
	CREATE TABLE IF NOT EXISTS hot_wallets (
		wallet_id INTEGER NOT NULL,
		platform TEXT NOT NULL,
		address TEXT NOT NULL,
		secret TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (wallet_id, platform)
	);

	-- Per wallet and currency settings
	CREATE TABLE IF NOT EXISTS wallet_balances (
		wallet_id INTEGER NOT NULL,
		currency TEXT NOT NULL,
		minimum_collect_amount TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (wallet_id, currency)
	);

	-- Incoming transfers observed by the crawler
	CREATE TABLE IF NOT EXISTS deposits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_id INTEGER NOT NULL,
		currency TEXT NOT NULL,
		to_address TEXT NOT NULL,
		txid TEXT NOT NULL,
		amount TEXT NOT NULL,
		memo TEXT,
		block_number INTEGER NOT NULL,
		block_timestamp INTEGER,
		collect_status TEXT NOT NULL DEFAULT 'uncollected',
		collected_txid TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (txid, to_address, currency)
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_collect ON deposits(currency, collect_status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_deposits_collected_txid ON deposits(collected_txid);

	-- Crawl cursors, keyed by the native symbol of the platform
	CREATE TABLE IF NOT EXISTS latest_blocks (
		currency TEXT PRIMARY KEY,
		block_number INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Audit trail of transfers between our own addresses
	CREATE TABLE IF NOT EXISTS internal_transfers (
		id TEXT PRIMARY KEY,
		currency TEXT NOT NULL,
		wallet_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		from_address TEXT,
		to_address TEXT NOT NULL,
		amount TEXT NOT NULL,
		txid TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_internal_transfers_txid ON internal_transfers(txid);

	-- Outbound transfers from hot wallets, requested or swept to cold storage
	CREATE TABLE IF NOT EXISTS withdrawals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_id INTEGER NOT NULL,
		currency TEXT NOT NULL,
		to_address TEXT NOT NULL,
		amount TEXT NOT NULL,
		memo TEXT,
		note TEXT,
		status TEXT NOT NULL,
		withdrawal_tx_id INTEGER NOT NULL DEFAULT 0,
		txid TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(currency, status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_tx ON withdrawals(withdrawal_tx_id);

	-- Transactions built for withdrawals, from construction to settlement
	CREATE TABLE IF NOT EXISTS withdrawal_txs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_id INTEGER NOT NULL,
		currency TEXT NOT NULL,
		hot_wallet_address TEXT NOT NULL,
		status TEXT NOT NULL,
		unsigned_txid TEXT NOT NULL UNIQUE,
		txid TEXT UNIQUE,
		unsigned_raw TEXT NOT NULL,
		signed_raw TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawal_txs_status ON withdrawal_txs(currency, status, updated_at);

	-- Reserve addresses; hot wallet funds above upper_threshold are swept here
	CREATE TABLE IF NOT EXISTS cold_wallets (
		wallet_id INTEGER NOT NULL,
		currency TEXT NOT NULL,
		address TEXT NOT NULL,
		upper_threshold TEXT NOT NULL,
		lower_threshold TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (wallet_id, currency)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive schema changes to existing databases.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE deposits ADD COLUMN memo TEXT",
		"ALTER TABLE internal_transfers ADD COLUMN from_address TEXT",
	}

	for _, migration := range migrations {
		// Ignore errors - column may already exist
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
