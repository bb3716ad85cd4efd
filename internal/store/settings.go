package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/ledgermail/ledger-node/internal/lederr"
)

// GetSetting returns the string value for key, or "" with ok=false if unset.
func (s *Store) GetSetting(key string) (value string, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &lederr.StoreError{Detail: "fetching setting", Err: err}
	}
	return value, true, nil
}

// SetSetting sets key to value, creating or replacing the row.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return &lederr.StoreError{Detail: "setting value", Err: err}
	}
	return nil
}

// AllSettings returns every key/value pair currently stored.
func (s *Store) AllSettings() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, &lederr.StoreError{Detail: "listing settings", Err: err}
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, &lederr.StoreError{Detail: "scanning setting row", Err: err}
		}
		out[k] = v
	}
	return out, rows.Err()
}
