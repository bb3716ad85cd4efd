package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ledgermail/ledger-node/internal/lederr"
)

// Contact is a known correspondent, keyed by ledger id.
type Contact struct {
	LedgerID     string `json:"ledger_id"`
	PublicKey    string `json:"public_key"`
	DisplayName  string `json:"display_name,omitempty"`
	RelayAddress string `json:"relay_address,omitempty"`
}

// PutContact inserts or updates a contact by ledger_id.
func (s *Store) PutContact(c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO contacts (ledger_id, public_key, display_name, relay_address)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(ledger_id) DO UPDATE SET
			public_key = excluded.public_key,
			display_name = excluded.display_name,
			relay_address = excluded.relay_address`,
		c.LedgerID, c.PublicKey, c.DisplayName, c.RelayAddress,
	)
	if err != nil {
		return &lederr.StoreError{Detail: "upserting contact", Err: err}
	}
	return nil
}

// GetContact fetches a contact by ledger_id.
func (s *Store) GetContact(ledgerID string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Contact
	err := s.db.QueryRow(
		`SELECT ledger_id, public_key, display_name, relay_address FROM contacts WHERE ledger_id = ?`,
		ledgerID,
	).Scan(&c.LedgerID, &c.PublicKey, &c.DisplayName, &c.RelayAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", lederr.ErrNoContact, ledgerID)
	}
	if err != nil {
		return nil, &lederr.StoreError{Detail: "fetching contact", Err: err}
	}
	return &c, nil
}

// ListContacts returns all known contacts.
func (s *Store) ListContacts() ([]*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ledger_id, public_key, display_name, relay_address FROM contacts ORDER BY ledger_id`)
	if err != nil {
		return nil, &lederr.StoreError{Detail: "listing contacts", Err: err}
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.LedgerID, &c.PublicKey, &c.DisplayName, &c.RelayAddress); err != nil {
			return nil, &lederr.StoreError{Detail: "scanning contact row", Err: err}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteContact removes a contact by ledger_id.
func (s *Store) DeleteContact(ledgerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM contacts WHERE ledger_id = ?`, ledgerID)
	if err != nil {
		return &lederr.StoreError{Detail: "deleting contact", Err: err}
	}
	return nil
}
