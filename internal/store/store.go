// Package store provides SQLite-backed persistence for messages, contacts,
// settings, and known peers.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ledgermail/ledger-node/internal/lederr"
)

// Store provides persistent storage for the ledger node.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (creating if necessary) the SQLite database under cfg.DataDir
// and installs the schema and default settings.
func New(cfg *Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, &lederr.StoreError{Detail: "creating data directory", Err: err}
	}

	dbPath := filepath.Join(dataDir, "ledger.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, &lederr.StoreError{Detail: "opening database", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &lederr.StoreError{Detail: "pinging database", Err: err}
	}

	db.SetMaxOpenConns(1) // SQLite supports a single writer.
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, &lederr.StoreError{Detail: "initializing schema", Err: err}
	}
	if err := s.installDefaultSettings(); err != nil {
		db.Close()
		return nil, &lederr.StoreError{Detail: "installing default settings", Err: err}
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle, for callers that need direct
// access (e.g. tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	from_id         TEXT NOT NULL,
	to_id           TEXT NOT NULL,
	subject         TEXT,
	body            TEXT,
	timestamp       INTEGER NOT NULL,
	delivery_method TEXT NOT NULL,
	is_read         INTEGER NOT NULL DEFAULT 0,
	folder          TEXT NOT NULL,
	signature       TEXT,
	encrypted       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder, timestamp DESC);

CREATE TABLE IF NOT EXISTS contacts (
	ledger_id    TEXT PRIMARY KEY,
	public_key   TEXT NOT NULL,
	display_name TEXT,
	relay_address TEXT
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT,
	updated_at INTEGER
);

CREATE TABLE IF NOT EXISTS peers (
	peer_id          TEXT PRIMARY KEY,
	addresses        TEXT,
	first_seen       INTEGER,
	last_seen        INTEGER,
	last_connected   INTEGER,
	connection_count INTEGER DEFAULT 0,
	ledger_id        TEXT
);

CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}

// DefaultDeliveryMode, DefaultTorEnabled, and DefaultDhtTTLHours are the
// idempotently-installed default settings values (spec §3).
const (
	DefaultDeliveryMode = "auto"
	DefaultTorEnabled   = "false"
	DefaultDhtTTLHours  = "72"
)

func (s *Store) installDefaultSettings() error {
	defaults := map[string]string{
		"delivery_mode": DefaultDeliveryMode,
		"tor_enabled":   DefaultTorEnabled,
		"dht_ttl_hours": DefaultDhtTTLHours,
	}
	for key, value := range defaults {
		_, err := s.db.Exec(
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			key, value, time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("installing default %q: %w", key, err)
		}
	}
	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
