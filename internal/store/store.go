// Package store implements the durable crypto store on SQLite: group
// session material, shared-with records, withheld notices, outgoing key
// requests, and backup bookkeeping. Every write is a per-key upsert with
// last-writer-wins semantics; callers never rely on cross-key
// transactions.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/gwillem/megolm-go/internal/olm"
)

// Store wraps a SQLite database holding all durable crypto state for one
// account.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	pickle BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS inbound_group_session (
	session_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	room_id TEXT NOT NULL,
	session_key TEXT NOT NULL,
	first_known_index INTEGER NOT NULL,
	keys_claimed TEXT NOT NULL DEFAULT '{}',
	forwarding_chain TEXT NOT NULL DEFAULT '[]',
	export_format INTEGER NOT NULL DEFAULT 0,
	shared_history INTEGER NOT NULL DEFAULT 0,
	trusted INTEGER NOT NULL DEFAULT 0,
	backed_up INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, sender_key)
);
CREATE INDEX IF NOT EXISTS inbound_group_session_backup
	ON inbound_group_session (backed_up);
CREATE TABLE IF NOT EXISTS outbound_group_session (
	room_id TEXT PRIMARY KEY,
	pickle BLOB NOT NULL,
	creation_ts INTEGER NOT NULL,
	use_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS shared_with (
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	identity_key TEXT NOT NULL,
	chain_index INTEGER NOT NULL,
	PRIMARY KEY (room_id, session_id, user_id, device_id)
);
CREATE TABLE IF NOT EXISTS withheld (
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	code TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	sender_key TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (room_id, session_id)
);
CREATE TABLE IF NOT EXISTS outgoing_key_request (
	request_id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	state INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS outgoing_key_request_session
	ON outgoing_key_request (room_id, session_id, sender_key);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// DefaultDataDir returns the default data directory for megolm-go
// databases: $XDG_DATA_HOME/megolm-go, falling back to
// ~/.local/share/megolm-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "megolm-go")
}

// Open opens or creates a SQLite store at the given path. If dbPath is
// empty it defaults to $XDG_DATA_HOME/megolm-go/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAccount persists the local device's key material.
func (s *Store) SaveAccount(a *olm.Account) error {
	pickle, err := a.Pickle()
	if err != nil {
		return fmt.Errorf("store: pickle account: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO account (id, pickle) VALUES (0, ?) ON CONFLICT(id) DO UPDATE SET pickle = excluded.pickle",
		pickle,
	)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	return nil
}

// LoadAccount returns the stored account, or nil if none exists.
func (s *Store) LoadAccount() (*olm.Account, error) {
	var pickle []byte
	err := s.db.QueryRow("SELECT pickle FROM account WHERE id = 0").Scan(&pickle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load account: %w", err)
	}
	return olm.UnpickleAccount(pickle)
}

// setMeta upserts a small key/value setting.
func (s *Store) setMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) getMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return value, nil
}

// SetKeyBackupVersion records the backup version this device uploads to.
// An empty string clears it.
func (s *Store) SetKeyBackupVersion(version string) error {
	return s.setMeta("key_backup_version", version)
}

// KeyBackupVersion returns the recorded backup version, or "".
func (s *Store) KeyBackupVersion() (string, error) {
	return s.getMeta("key_backup_version")
}

// SetBackupRecoveryKey saves a validated recovery key for later gossip or
// re-use. Stored as-is; the store is assumed to live on an encrypted
// volume, matching how the device identity pickle is handled.
func (s *Store) SetBackupRecoveryKey(recoveryKey string) error {
	return s.setMeta("backup_recovery_key", recoveryKey)
}

// BackupRecoveryKey returns the saved recovery key, or "".
func (s *Store) BackupRecoveryKey() (string, error) {
	return s.getMeta("backup_recovery_key")
}
