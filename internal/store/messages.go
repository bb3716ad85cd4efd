package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ledgermail/ledger-node/internal/lederr"
)

// Message is a stored ledger message.
type Message struct {
	ID             string `json:"id"`
	FromID         string `json:"from_id"`
	ToID           string `json:"to_id"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Timestamp      int64  `json:"timestamp"`
	DeliveryMethod string `json:"delivery_method"`
	IsRead         bool   `json:"is_read"`
	Folder         string `json:"folder"`
	Signature      string `json:"signature,omitempty"`
	Encrypted      bool   `json:"encrypted"`
}

// Folder names used to partition the messages table.
const (
	FolderInbox = "inbox"
	FolderSent  = "sent"
)

// PutMessage inserts a message, replacing any existing row with the same id.
func (s *Store) PutMessage(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO messages (id, from_id, to_id, subject, body, timestamp, delivery_method, is_read, folder, signature, encrypted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			from_id = excluded.from_id,
			to_id = excluded.to_id,
			subject = excluded.subject,
			body = excluded.body,
			timestamp = excluded.timestamp,
			delivery_method = excluded.delivery_method,
			is_read = excluded.is_read,
			folder = excluded.folder,
			signature = excluded.signature,
			encrypted = excluded.encrypted`,
		msg.ID, msg.FromID, msg.ToID, msg.Subject, msg.Body, msg.Timestamp,
		msg.DeliveryMethod, boolToInt(msg.IsRead), msg.Folder, msg.Signature, boolToInt(msg.Encrypted),
	)
	if err != nil {
		return &lederr.StoreError{Detail: "upserting message", Err: err}
	}
	return nil
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, from_id, to_id, subject, body, timestamp, delivery_method, is_read, folder, signature, encrypted
		 FROM messages WHERE id = ?`, id,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", lederr.ErrNoMessage, id)
	}
	if err != nil {
		return nil, &lederr.StoreError{Detail: "fetching message", Err: err}
	}
	return msg, nil
}

// ListMessages returns messages in folder, most recent first. An empty
// folder returns messages across all folders.
func (s *Store) ListMessages(folder string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, from_id, to_id, subject, body, timestamp, delivery_method, is_read, folder, signature, encrypted
		 FROM messages`
	args := []any{}
	if folder != "" {
		query += ` WHERE folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY timestamp DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &lederr.StoreError{Detail: "listing messages", Err: err}
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessageRows(rows)
		if err != nil {
			return nil, &lederr.StoreError{Detail: "scanning message row", Err: err}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// DeleteMessage removes a message by id, reporting lederr.ErrNoMessage if no
// message with that id existed.
func (s *Store) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return &lederr.StoreError{Detail: "deleting message", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &lederr.StoreError{Detail: "checking rows affected", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("%w: message %s", lederr.ErrNoMessage, id)
	}
	return nil
}

// MarkRead sets a message's is_read flag to true.
func (s *Store) MarkRead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE messages SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return &lederr.StoreError{Detail: "marking message read", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &lederr.StoreError{Detail: "checking rows affected", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("%w: message %s", lederr.ErrNoMessage, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row *sql.Row) (*Message, error) {
	return scanMessageRow(row)
}

func scanMessageRows(rows *sql.Rows) (*Message, error) {
	return scanMessageRow(rows)
}

func scanMessageRow(rs rowScanner) (*Message, error) {
	var m Message
	var isRead, encrypted int
	err := rs.Scan(&m.ID, &m.FromID, &m.ToID, &m.Subject, &m.Body, &m.Timestamp,
		&m.DeliveryMethod, &isRead, &m.Folder, &m.Signature, &encrypted)
	if err != nil {
		return nil, err
	}
	m.IsRead = isRead != 0
	m.Encrypted = encrypted != 0
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
