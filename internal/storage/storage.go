// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFile is the database file name inside the data directory.
const DBFile = "coinswap.db"

// Storage provides persistent storage for the coinswap daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
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
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
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

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- Makers seen through the directory
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS makers (
		peer_id TEXT PRIMARY KEY,
		addresses TEXT,
		offer TEXT,
		first_seen INTEGER,
		last_seen INTEGER,
		success_count INTEGER DEFAULT 0,
		failure_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_makers_last_seen ON makers(last_seen);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- =========================================================================
	-- Swap sessions (taker orchestrations and maker-side views)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,                   -- taker or maker
		state TEXT NOT NULL,
		hop INTEGER NOT NULL DEFAULT 0,       -- hop the session is working on
		amount INTEGER NOT NULL,
		num_makers INTEGER NOT NULL DEFAULT 0,
		hash TEXT,
		data TEXT,                            -- JSON: makers, hop schedule, preimage
		reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);

	-- =========================================================================
	-- SwapCoins: one row per leg we hold a key for
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS swapcoins (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		hop_index INTEGER NOT NULL,
		kind TEXT NOT NULL,                   -- incoming or outgoing
		state TEXT NOT NULL,
		amount INTEGER NOT NULL,
		locktime INTEGER NOT NULL,
		funding_txid TEXT,
		funding_vout INTEGER DEFAULT 0,
		contract_txid TEXT,
		contract_height INTEGER DEFAULT 0,
		spend_txid TEXT,
		-- SECURITY: contains private keys and the preimage once known
		data TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swapcoins_session ON swapcoins(session_id);
	CREATE INDEX IF NOT EXISTS idx_swapcoins_state ON swapcoins(state);

	-- =========================================================================
	-- Coin registry: append-only descriptor log and coin locks
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS descriptor_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		txid TEXT NOT NULL,
		vout INTEGER NOT NULL,
		tag TEXT NOT NULL,
		value INTEGER NOT NULL,
		detail TEXT,                          -- JSON spend info
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_descriptor_log_outpoint ON descriptor_log(txid, vout);

	CREATE TABLE IF NOT EXISTS coin_locks (
		txid TEXT NOT NULL,
		vout INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		locked_at INTEGER NOT NULL,
		PRIMARY KEY (txid, vout)
	);

	CREATE INDEX IF NOT EXISTS idx_coin_locks_session ON coin_locks(session_id);

	-- =========================================================================
	-- Inbound message log (deduplication and cached replies)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS message_inbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,      -- UUID from sender (for dedup)
		session_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		hop_index INTEGER NOT NULL DEFAULT 0,
		reply TEXT,                           -- encoded reply, replayed on retries
		received_at INTEGER NOT NULL,
		processed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_inbox_session ON message_inbox(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetSetting returns a stored setting, or "" if absent.
func (s *Storage) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetSetting stores a setting.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixOrZero(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
